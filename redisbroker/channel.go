package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/debox-dev/wormhole/idgen"
	"github.com/debox-dev/wormhole/wherr"
)

// PopResult is what PopNext returns on a successful claim.
type PopResult struct {
	Queue     string
	MessageID string
	Payload   []byte
	Flags     int
}

// WaitForReplyResult is the decoded shape of §4.2's wait_for_reply tuple.
// Exactly one of TimeoutErr or Payload is meaningful: when TimeoutErr is
// set, the broker pop on the response list itself timed out; otherwise
// Success reports whether the claimer replied with out (true) or err
// (false), and Payload carries the corresponding raw bytes.
type WaitForReplyResult struct {
	Success    bool
	Payload    []byte
	ClaimerID  string
	TimeoutErr error
}

// Channel is the broker abstraction every wormhole node shares. It is safe
// for concurrent use by multiple goroutines and multiple nodes.
type Channel struct {
	client       *redis.Client
	logger       *slog.Logger
	statsEnabled bool
	closed       atomic.Bool

	rates *rateTracker
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithLogger attaches a structured logger; nil (the default) disables
// logging entirely.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithStatsDisabled turns off the rolling send/receive rate counters,
// matching spec §4.2's stats_enabled=false behavior (GetStats always
// returns -1, and no broker round trips are spent maintaining counters).
func WithStatsDisabled() Option {
	return func(c *Channel) { c.statsEnabled = false }
}

// NewChannel dials the broker at brokerURI (a redis:// URL) with a
// connection pool capped at maxConnections.
func NewChannel(brokerURI string, maxConnections int, opts ...Option) (*Channel, error) {
	redisOpts, err := redis.ParseURL(brokerURI)
	if err != nil {
		return nil, fmt.Errorf("wormhole: invalid broker uri: %w", err)
	}
	redisOpts.PoolSize = maxConnections

	c := &Channel{
		client:       redis.NewClient(redisOpts),
		statsEnabled: true,
		rates:        newRateTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewChannelFromClient wraps an already-constructed *redis.Client, the path
// tests take to point a Channel at a miniredis instance.
func NewChannelFromClient(client *redis.Client, opts ...Option) *Channel {
	c := &Channel{
		client:       client,
		statsEnabled: true,
		rates:        newRateTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsOpen reports whether the channel still accepts operations.
func (c *Channel) IsOpen() bool {
	return !c.closed.Load()
}

// Close marks the channel closed and releases the underlying connection
// pool. Closed is terminal; every broker operation after Close fails fast
// with ChannelClosedError, except Reply, which returns nil.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.client.Close()
}

func (c *Channel) checkOpen(op string) error {
	if c.closed.Load() {
		return &wherr.ChannelClosedError{Op: op}
	}
	return nil
}

func connErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return &wherr.ChannelConnectionError{Err: err}
}

// Enqueue writes a message record and pushes its id onto queue, returning
// the generated message id ("wh:<uid>").
func (c *Channel) Enqueue(ctx context.Context, senderID, queue string, payload []byte, timeout time.Duration, flags int) (string, error) {
	if err := c.checkOpen("enqueue"); err != nil {
		return "", err
	}
	messageID := "wh:" + idgen.New()
	ttl := timeout + 2*time.Second

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, messageID, fieldData, payload, fieldFlags, flags)
	pipe.Expire(ctx, messageID, ttl)
	pipe.LPush(ctx, queue, messageID)
	pipe.Expire(ctx, queue, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", connErr(err)
	}

	if c.statsEnabled {
		c.rates.recordSend(ctx, c, senderID)
	}
	return messageID, nil
}

// PopNext blocks up to timeout waiting for any of queueURIs to yield a
// message, claiming it for receiverID. It returns (nil, nil) on timeout.
func (c *Channel) PopNext(ctx context.Context, receiverID string, queueURIs []string, timeout time.Duration) (*PopResult, error) {
	if err := c.checkOpen("pop_next"); err != nil {
		return nil, err
	}
	if len(queueURIs) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	shuffled := make([]string, len(queueURIs))
	copy(shuffled, queueURIs)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	result, err := c.client.BRPop(ctx, timeout, shuffled...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, connErr(err)
	}
	queue, messageID := result[0], result[1]

	if c.statsEnabled {
		c.rates.recordReceive(ctx, c, receiverID)
	}

	vals, err := c.client.HMGet(ctx, messageID, fieldData, fieldFlags).Result()
	if err != nil {
		return nil, connErr(err)
	}
	if vals[0] == nil {
		// Stale husk: the record expired between the queue pop and the
		// hash read. Treat it the same as an empty pop.
		return nil, nil
	}
	payload, _ := vals[0].(string)

	flags := 0
	if vals[1] != nil {
		if raw, ok := vals[1].(string); ok {
			flags, _ = strconv.Atoi(raw)
		}
	}

	if err := c.client.HSet(ctx, messageID, fieldClaimer, receiverID).Err(); err != nil {
		return nil, connErr(err)
	}

	return &PopResult{
		Queue:     queue,
		MessageID: messageID,
		Payload:   []byte(payload),
		Flags:     flags,
	}, nil
}

// Reply posts a handler's outcome and wakes whoever is waiting on it.
// Channel-closed and connection errors on this path are swallowed: the
// handler already ran and there's nothing useful a caller could do with the
// failure, per spec §4.2.
func (c *Channel) Reply(ctx context.Context, messageID string, payload []byte, isError bool, timeout time.Duration) error {
	if c.closed.Load() {
		return nil
	}

	field := fieldResponse
	token := responseHandled
	if isError {
		field = fieldError
		token = responseError
	}
	ttl := timeout + 2*time.Second

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, messageID, field, payload)
	pipe.Expire(ctx, messageID, ttl)
	pipe.LPush(ctx, responseKey(messageID), token)
	pipe.Expire(ctx, responseKey(messageID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		if c.logger != nil {
			c.logger.Warn("wormhole: reply failed", "message_id", messageID, "error", err)
		}
		return nil
	}
	return nil
}

// CheckForReply is a non-blocking poll: has anyone replied yet?
func (c *Channel) CheckForReply(ctx context.Context, messageID string) (bool, error) {
	if err := c.checkOpen("check_for_reply"); err != nil {
		return false, err
	}
	n, err := c.client.LLen(ctx, responseKey(messageID)).Result()
	if err != nil {
		return false, connErr(err)
	}
	return n > 0, nil
}

// WaitForReply blocks up to timeout for a reply signal, then reads back
// whichever of err/out the claimer wrote and deletes the message record.
func (c *Channel) WaitForReply(ctx context.Context, messageID string, timeout time.Duration) (WaitForReplyResult, error) {
	if err := c.checkOpen("wait_for_reply"); err != nil {
		return WaitForReplyResult{}, err
	}

	_, err := c.client.BRPop(ctx, timeout, responseKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		hid, hidErr := c.client.HGet(ctx, messageID, fieldClaimer).Result()
		if hidErr != nil && !errors.Is(hidErr, redis.Nil) {
			return WaitForReplyResult{}, connErr(hidErr)
		}
		if hid == "" {
			return WaitForReplyResult{TimeoutErr: &wherr.WaitForReplyError{}}, nil
		}
		return WaitForReplyResult{TimeoutErr: &wherr.WaitForReplyError{ClaimerID: hid}}, nil
	}
	if err != nil {
		return WaitForReplyResult{}, connErr(err)
	}

	vals, err := c.client.HMGet(ctx, messageID, fieldError, fieldResponse, fieldClaimer).Result()
	if err != nil {
		return WaitForReplyResult{}, connErr(err)
	}
	c.client.Del(ctx, messageID)

	claimerID, _ := vals[2].(string)
	if vals[0] != nil {
		errPayload, _ := vals[0].(string)
		return WaitForReplyResult{Success: false, Payload: []byte(errPayload), ClaimerID: claimerID}, nil
	}
	var outPayload []byte
	if vals[1] != nil {
		s, _ := vals[1].(string)
		outPayload = []byte(s)
	}
	return WaitForReplyResult{Success: true, Payload: outPayload, ClaimerID: claimerID}, nil
}

// Delete purges a message record outright.
func (c *Channel) Delete(ctx context.Context, messageID string) error {
	if err := c.checkOpen("delete"); err != nil {
		return err
	}
	if err := c.client.Del(ctx, messageID, responseKey(messageID)).Err(); err != nil {
		return connErr(err)
	}
	return nil
}
