package wormhole

import (
	"context"
	"time"

	"github.com/debox-dev/wormhole/wherr"
)

// resendFunc re-issues the original send with its original arguments,
// producing a fresh message id. Session.wait calls it on a no-claimer
// timeout; it never touches the session itself, only the send arguments it
// closed over, per the non-owning design in spec §9.
type resendFunc func(ctx context.Context) (*Session, error)

// Session is the caller-side handle to one in-flight request.
type Session struct {
	node      *Node
	messageID string
	resend    resendFunc
	raw       bool

	didGetReply bool
	isError     bool
	claimerID   string
	value       any
	cached      error
}

func newSession(node *Node, messageID string, resend resendFunc) *Session {
	return &Session{node: node, messageID: messageID, resend: resend}
}

// MessageID returns the id of the request this session is tracking.
func (s *Session) MessageID() string { return s.messageID }

// ClaimerID returns the id of the node that claimed the request, once
// known. Empty until a reply has been received; a timed-out wait leaves it
// empty.
func (s *Session) ClaimerID() string { return s.claimerID }

// Poll is a non-blocking check: false while no one has replied yet. On the
// first true, it resolves the reply internally (equivalent to a
// non-raising Wait) so a later Wait call returns the cached outcome.
func (s *Session) Poll(ctx context.Context) (bool, error) {
	if s.didGetReply {
		return true, nil
	}
	ready, err := s.node.channel.CheckForReply(ctx, s.messageID)
	if err != nil || !ready {
		return false, err
	}
	_, _, _ = s.wait(ctx, false, s.node.cfg.SendTimeout(), 0)
	return true, nil
}

// Wait blocks for the reply, retrying via the resend thunk up to retries
// times when nobody ever claims the message. If raiseOnError is true, a
// remote or timeout failure is returned as a Go error instead of silently
// reflected in the return value.
func (s *Session) Wait(ctx context.Context, raiseOnError bool, timeout time.Duration, retries int) (any, error) {
	v, _, err := s.wait(ctx, raiseOnError, timeout, retries)
	return v, err
}

func (s *Session) wait(ctx context.Context, raiseOnError bool, timeout time.Duration, retries int) (any, bool, error) {
	if s.didGetReply {
		return s.resolvedOutcome(raiseOnError)
	}

	active := s
	for attempt := 0; ; attempt++ {
		result, err := active.node.channel.WaitForReply(ctx, active.messageID, timeout)
		if err != nil {
			return nil, false, err
		}

		if result.TimeoutErr != nil {
			wfrErr, _ := result.TimeoutErr.(*wherr.WaitForReplyError)
			noClaimer := wfrErr != nil && wfrErr.ClaimerID == ""
			if noClaimer && attempt < retries && active.resend != nil {
				next, resendErr := active.resend(ctx)
				if resendErr != nil {
					return nil, false, resendErr
				}
				active = next
				continue
			}
			s.didGetReply = true
			s.cached = result.TimeoutErr
			s.claimerID = ""
			break
		}

		s.didGetReply = true
		s.claimerID = result.ClaimerID
		s.isError = !result.Success
		if result.Success {
			switch {
			case active.raw:
				// Command responses are a private binary protocol; the
				// command's own DeserializeResponse interprets the bytes.
				s.value = result.Payload
			case len(result.Payload) == 0:
				s.value = nil
			default:
				if v, decErr := s.node.encoder.DecodeAny(result.Payload); decErr == nil {
					s.value = v
				} else {
					s.cached = decErr
				}
			}
		} else {
			var decoded any
			if len(result.Payload) > 0 {
				decoded, _ = s.node.encoder.DecodeAny(result.Payload)
			}
			s.value = decoded
		}
		break
	}

	return s.resolvedOutcome(raiseOnError)
}

func (s *Session) resolvedOutcome(raiseOnError bool) (any, bool, error) {
	if s.cached != nil {
		if wfrErr, ok := s.cached.(*wherr.WaitForReplyError); ok {
			if raiseOnError {
				return nil, false, wfrErr
			}
			return nil, false, nil
		}
		if raiseOnError {
			return nil, false, s.cached
		}
		return nil, false, nil
	}
	if s.isError {
		if raiseOnError {
			return nil, true, &wherr.HandlingError{Original: s.value}
		}
		return s.value, true, nil
	}
	return s.value, true, nil
}
