package wormhole

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/debox-dev/wormhole/wherr"
)

// Built-in command headers, framed as the first byte of a private-queue
// payload.
const (
	cmdStop    = 's'
	cmdRefresh = 'r'
	cmdUptime  = 'u'
	cmdPing    = 'p'
)

// Command is an inline operation directed at a node's private queue. A
// node's command table maps header bytes to Commands; Handle runs on the
// receiving node, SerializeRequest/DeserializeResponse run on the caller.
type Command interface {
	Header() byte
	SerializeRequest() []byte
	DeserializeResponse(body []byte) (any, error)
	Handle(body []byte) ([]byte, error)
}

// PingCommand measures round-trip time to a node's private queue. Like
// uptimeCommand, its built-in 'p' header is answered inline by
// handlePrivateQueuePayload without ever consulting the command table;
// Handle exists only so PingCommand satisfies Command.
type PingCommand struct{}

// Header implements Command.
func (PingCommand) Header() byte { return cmdPing }

// SerializeRequest encodes the caller's send time so DeserializeResponse
// can compute elapsed time without relying on clock sync between nodes:
// the receiver echoes the body back untouched.
func (PingCommand) SerializeRequest() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	return buf
}

// DeserializeResponse returns the elapsed time since SerializeRequest ran.
func (PingCommand) DeserializeResponse(body []byte) (any, error) {
	if len(body) != 8 {
		return nil, &wherr.DecodeError{Repr: "ping response", Err: errShortPingBody}
	}
	sentAt := int64(binary.BigEndian.Uint64(body))
	return time.Since(time.Unix(0, sentAt)), nil
}

// Handle echoes the request body back verbatim.
func (PingCommand) Handle(body []byte) ([]byte, error) {
	return body, nil
}

var errShortPingBody = shortPingBodyError{}

type shortPingBodyError struct{}

func (shortPingBodyError) Error() string { return "ping response body must be 8 bytes" }

// uptimeCommand is the sender-side counterpart of the built-in 'u' header,
// which handlePrivateQueuePayload answers inline without ever consulting
// the command table. Handle here is unreachable in normal operation; it
// exists only so uptimeCommand satisfies Command.
type uptimeCommand struct{}

func (uptimeCommand) Header() byte           { return cmdUptime }
func (uptimeCommand) SerializeRequest() []byte { return nil }

func (uptimeCommand) DeserializeResponse(body []byte) (any, error) {
	if len(body) != 8 {
		return nil, &wherr.DecodeError{Repr: "uptime response", Err: errShortPingBody}
	}
	bits := binary.BigEndian.Uint64(body)
	seconds := math.Float64frombits(bits)
	return time.Duration(seconds * float64(time.Second)), nil
}

func (uptimeCommand) Handle(body []byte) ([]byte, error) {
	return body, nil
}

// sendCommand frames cmd's request behind its header byte and enqueues it
// on receiverID's private queue, returning a raw (encoder-bypassing)
// session: command payloads are a private binary protocol, not values
// routed through the object encoder.
func sendCommand(ctx context.Context, n *Node, receiverID string, cmd Command) (*Session, error) {
	payload := append([]byte{cmd.Header()}, cmd.SerializeRequest()...)
	messageID, err := n.channel.Enqueue(ctx, n.id, PrivateQueue(receiverID), payload, n.cfg.SendTimeout(), 0)
	if err != nil {
		return nil, err
	}
	resend := func(ctx context.Context) (*Session, error) {
		return sendCommand(ctx, n, receiverID, cmd)
	}
	s := newSession(n, messageID, resend)
	s.raw = true
	return s, nil
}

// handlePrivateQueuePayload interprets a message popped from a node's own
// private queue: built-ins first, then the node's registered command
// table, per spec §4.3's "Commands" paragraph.
func (n *Node) handlePrivateQueuePayload(ctx context.Context, messageID string, payload []byte) {
	if len(payload) == 0 {
		n.replyUnknownCommand(ctx, messageID, 0)
		return
	}
	header, body := payload[0], payload[1:]

	switch header {
	case cmdStop:
		n.setState(StateDeactivating)
		return
	case cmdRefresh:
		// No-op: refresh's effect is simply being popped, which already
		// happened; the next loop iteration recomputes the listen set.
		return
	case cmdUptime:
		uptime := time.Since(n.startedAt).Seconds()
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(uptime))
		_ = n.channel.Reply(ctx, messageID, buf, false, n.cfg.ReplyExpiration())
		return
	case cmdPing:
		_ = n.channel.Reply(ctx, messageID, body, false, n.cfg.ReplyExpiration())
		return
	}

	n.mu.Lock()
	cmd, ok := n.commands[header]
	n.mu.Unlock()
	if !ok {
		n.replyUnknownCommand(ctx, messageID, header)
		return
	}

	reply, err := cmd.Handle(body)
	if err != nil {
		errPayload, _ := n.encoder.Encode(err.Error())
		_ = n.channel.Reply(ctx, messageID, errPayload, true, n.cfg.ReplyExpiration())
		return
	}
	_ = n.channel.Reply(ctx, messageID, reply, false, n.cfg.ReplyExpiration())
}

func (n *Node) replyUnknownCommand(ctx context.Context, messageID string, header byte) {
	err := &wherr.UnknownCommandError{Header: header}
	payload, _ := n.encoder.Encode(err.Error())
	_ = n.channel.Reply(ctx, messageID, payload, true, n.cfg.ReplyExpiration())
}

// LearnCommand indexes cmd by its header byte so handlePrivateQueuePayload
// can route to it. A duplicate header overwrites the previous entry.
func (n *Node) LearnCommand(cmd Command) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commands[cmd.Header()] = cmd
}

// UnlearnCommand removes a previously learned command.
func (n *Node) UnlearnCommand(header byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.commands, header)
}
