// Package wherr defines the disjoint error kinds a wormhole node can raise,
// so callers can branch on kind rather than on message text.
package wherr

import "fmt"

// DecodeError means a payload failed to decode; it carries the offending
// bytes' repr for diagnostics.
type DecodeError struct {
	Repr string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wormhole: decode error on payload %s: %v", e.Repr, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InvalidQueueNameError means a queue URI failed the grammar in spec §6.
type InvalidQueueNameError struct {
	QueueURI string
}

func (e *InvalidQueueNameError) Error() string {
	return fmt.Sprintf("wormhole: not a valid queue uri: %q", e.QueueURI)
}

// HandlerAlreadyExistsError means a handler was already registered for a queue.
type HandlerAlreadyExistsError struct {
	Queue string
}

func (e *HandlerAlreadyExistsError) Error() string {
	return fmt.Sprintf("wormhole: a handler is already registered for queue %q", e.Queue)
}

// HandlerNotRegisteredError means unregistration targeted an absent handler.
type HandlerNotRegisteredError struct {
	Queue string
}

func (e *HandlerNotRegisteredError) Error() string {
	return fmt.Sprintf("wormhole: a handler is not registered for queue %q", e.Queue)
}

// ChannelClosedError means a closed channel was used.
type ChannelClosedError struct {
	Op string
}

func (e *ChannelClosedError) Error() string {
	return fmt.Sprintf("wormhole: channel closed, cannot %s", e.Op)
}

// ChannelConnectionError wraps a transient broker connectivity failure.
type ChannelConnectionError struct {
	Err error
}

func (e *ChannelConnectionError) Error() string {
	return fmt.Sprintf("wormhole: channel connection error: %v", e.Err)
}

func (e *ChannelConnectionError) Unwrap() error { return e.Err }

// WaitForReplyError means wait_for_reply timed out, either because no node
// ever claimed the message or because the claimer didn't answer in time.
type WaitForReplyError struct {
	ClaimerID string
}

func (e *WaitForReplyError) Error() string {
	if e.ClaimerID == "" {
		return "wormhole: message timed out, no handlers found"
	}
	return fmt.Sprintf("wormhole: timeout waiting for results from %s", e.ClaimerID)
}

// HandlingError wraps the decoded error payload a remote handler raised.
type HandlingError struct {
	Original any
}

func (e *HandlingError) Error() string {
	return fmt.Sprintf("wormhole: remote handling error: %v", e.Original)
}

// UnknownCommandError means a private-queue payload's header had no match.
type UnknownCommandError struct {
	Header byte
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("wormhole: unknown command header %#x", e.Header)
}

// SendError means the caller misused Send, e.g. passing both a session and
// a tag/group.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("wormhole: send error: %s", e.Reason)
}

// InvalidLockSecretError means release() was called with a secret that
// doesn't match the current holder, without force=true.
type InvalidLockSecretError struct {
	Name string
}

func (e *InvalidLockSecretError) Error() string {
	return fmt.Sprintf("wormhole: invalid lock secret, not the owner of lock %q", e.Name)
}
