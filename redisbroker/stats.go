package redisbroker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const (
	statsResetWindow = 60 * time.Second
	statsResetCount  = 2000
)

// rateTracker keeps the "last observed rate" side of §4.2.1's rolling
// counters. The counters themselves live in the broker (so GetStats could,
// in principle, be read from any process); the computed rate is cached
// in-process since only the owning node ever asks for its own stats.
type rateTracker struct {
	mu    sync.Mutex
	nodes map[string]*nodeRate
}

type nodeRate struct {
	mu                 sync.Mutex
	sendRate           float64
	receiveRate        float64
	sendInitialized    bool
	receiveInitialized bool
}

func newRateTracker() *rateTracker {
	return &rateTracker{nodes: make(map[string]*nodeRate)}
}

func (t *rateTracker) forNode(nodeID string) *nodeRate {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[nodeID]
	if !ok {
		n = &nodeRate{}
		t.nodes[nodeID] = n
	}
	return n
}

func (t *rateTracker) recordSend(ctx context.Context, c *Channel, nodeID string) {
	t.record(ctx, c, nodeID, statsSendKey(nodeID), statsSendTouchKey(nodeID), true)
}

func (t *rateTracker) recordReceive(ctx context.Context, c *Channel, nodeID string) {
	t.record(ctx, c, nodeID, statsReceiveKey(nodeID), statsReceiveTouchKey(nodeID), false)
}

func (t *rateTracker) record(ctx context.Context, c *Channel, nodeID, countKey, touchKey string, isSend bool) {
	count, err := c.client.Incr(ctx, countKey).Result()
	if err != nil {
		return
	}

	touchRaw, err := c.client.Get(ctx, touchKey).Result()
	now := time.Now()
	if err != nil || touchRaw == "" {
		c.client.Set(ctx, touchKey, now.Unix(), 0)
		return
	}
	touchUnix, err := strconv.ParseInt(touchRaw, 10, 64)
	if err != nil {
		c.client.Set(ctx, touchKey, now.Unix(), 0)
		return
	}
	elapsed := now.Sub(time.Unix(touchUnix, 0))
	if elapsed <= 0 {
		return
	}
	if count < statsResetCount && elapsed < statsResetWindow {
		return
	}

	rate := float64(count) / elapsed.Seconds()
	n := t.forNode(nodeID)
	n.mu.Lock()
	if isSend {
		n.sendRate, n.sendInitialized = rate, true
	} else {
		n.receiveRate, n.receiveInitialized = rate, true
	}
	n.mu.Unlock()

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, countKey, 0, 0)
	pipe.Set(ctx, touchKey, now.Unix(), 0)
	pipe.Exec(ctx)
}

// GetStats reports nodeID's rolling send and receive (processing) rates in
// events per second. Both are -1 until the first window closes, and
// unconditionally -1 when stats are disabled.
func (c *Channel) GetStats(nodeID string) (sendsPerSecond, processingPerSecond float64) {
	if !c.statsEnabled {
		return -1, -1
	}
	n := c.rates.forNode(nodeID)
	n.mu.Lock()
	defer n.mu.Unlock()

	sendsPerSecond, processingPerSecond = -1, -1
	if n.sendInitialized {
		sendsPerSecond = n.sendRate
	}
	if n.receiveInitialized {
		processingPerSecond = n.receiveRate
	}
	return sendsPerSecond, processingPerSecond
}
