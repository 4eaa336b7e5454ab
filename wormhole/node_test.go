package wormhole

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/debox-dev/wormhole/config"
	"github.com/debox-dev/wormhole/redisbroker"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ch := redisbroker.NewChannelFromClient(client)

	cfg := config.Defaults()
	cfg.SendTimeoutSeconds = 2
	cfg.ReplyExpirationSeconds = 2
	return NewNode(ch, cfg)
}

func runNode(t *testing.T, n *Node) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go n.ProcessBlocking(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestScalarRPC(t *testing.T) {
	n := newTestNode(t)
	runNode(t, n)

	err := n.RegisterHandler(context.Background(), "sum", "", func(ctx context.Context, data any) (any, error) {
		items, _ := data.([]any)
		total := int64(0)
		for _, v := range items {
			total += v.(int64)
		}
		return total, nil
	})
	require.NoError(t, err)

	sess, err := n.Send(context.Background(), "sum", []any{int64(1), int64(1), int64(3)})
	require.NoError(t, err)

	result, err := sess.Wait(context.Background(), true, 2*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), result)
}

type sumMessage struct {
	Numbers []int64
}

func TestTypedMessage(t *testing.T) {
	n := newTestNode(t)
	runNode(t, n)

	err := RegisterTypedHandler(context.Background(), n, "", func(ctx context.Context, msg sumMessage) (any, error) {
		total := int64(0)
		for _, v := range msg.Numbers {
			total += v
		}
		return total, nil
	})
	require.NoError(t, err)

	base := QueueBaseForMessage[sumMessage]()
	sess, err := n.Send(context.Background(), base, sumMessage{Numbers: []int64{1, 2, 3}})
	require.NoError(t, err)

	result, err := sess.Wait(context.Background(), true, 2*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, int64(6), result)
}

func TestPing(t *testing.T) {
	n := newTestNode(t)
	runNode(t, n)

	d, err := n.Ping(context.Background(), n.ID(), time.Second)
	require.NoError(t, err)
	require.Less(t, d, 50*time.Millisecond)
}

func TestSessionRetryExhaustsWithoutHandler(t *testing.T) {
	n := newTestNode(t)
	runNode(t, n)

	var resends atomic.Int32
	var resend resendFunc
	resend = func(ctx context.Context) (*Session, error) {
		resends.Add(1)
		mid, err := n.channel.Enqueue(ctx, n.id, "wh://nohandler", []byte("x"), 50*time.Millisecond, 0)
		if err != nil {
			return nil, err
		}
		return newSession(n, mid, resend), nil
	}

	initialID, err := n.channel.Enqueue(context.Background(), n.id, "wh://nohandler", []byte("x"), 50*time.Millisecond, 0)
	require.NoError(t, err)
	sess := newSession(n, initialID, resend)

	_, err = sess.Wait(context.Background(), true, 50*time.Millisecond, 2)
	require.Error(t, err)
	require.Equal(t, int32(2), resends.Load())
}

func TestGroupFanOut(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	caller := NewNode(redisbroker.NewChannelFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), config.Defaults())
	runNode(t, caller)

	const workerCount = 5
	workers := make([]*Node, workerCount)
	var claims sync.Map

	for i := 0; i < workerCount; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		w := NewNode(redisbroker.NewChannelFromClient(client), config.Defaults())
		w.AddToGroup("fanout")
		require.NoError(t, w.RegisterHandler(context.Background(), "broadcast", "", func(ctx context.Context, data any) (any, error) {
			claims.Store(w.ID(), true)
			return "ok", nil
		}))
		runNode(t, w)
		workers[i] = w
	}

	time.Sleep(100 * time.Millisecond) // let group membership land

	for i := 0; i < 40; i++ {
		sess, err := caller.Send(context.Background(), "broadcast", fmt.Sprintf("msg-%d", i), WithGroup("fanout"))
		require.NoError(t, err)
		_, err = sess.Wait(context.Background(), true, 2*time.Second, 1)
		require.NoError(t, err)
	}

	distinctClaimers := 0
	claims.Range(func(_, _ any) bool { distinctClaimers++; return true })
	require.Greater(t, distinctClaimers, 1)
}

func TestSessionStickiness(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	caller := NewNode(redisbroker.NewChannelFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), config.Defaults())
	runNode(t, caller)

	for i := 0; i < 3; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		w := NewNode(redisbroker.NewChannelFromClient(client), config.Defaults())
		w.AddToGroup("sticky")
		require.NoError(t, w.RegisterHandler(context.Background(), "echo", "", func(ctx context.Context, data any) (any, error) {
			return w.ID(), nil
		}))
		runNode(t, w)
	}
	time.Sleep(100 * time.Millisecond)

	first, err := caller.Send(context.Background(), "echo", "hi", WithGroup("sticky"))
	require.NoError(t, err)
	claimerID, err := first.Wait(context.Background(), true, 2*time.Second, 0)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		next, err := caller.Send(context.Background(), "echo", "hi again", WithSession(first))
		require.NoError(t, err)
		got, err := next.Wait(context.Background(), true, 2*time.Second, 0)
		require.NoError(t, err)
		require.Equal(t, claimerID, got)
		first = next
	}
}

func TestWaitForAnyWithTag(t *testing.T) {
	n := newTestNode(t)

	// Only the tagged message exists so far: WaitForAny must resolve it,
	// not block on the untagged variant that hasn't been sent yet.
	_, err := n.Send(context.Background(), "asd", "tagged", WithTag("t1"))
	require.NoError(t, err)

	result, err := WaitForAny(context.Background(), n, time.Second, OnQueue("asd", "t1"), OnQueue("asd", ""))
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "t1", result.Tag)
	require.Equal(t, "tagged", result.Data)
	require.NoError(t, result.Reply(context.Background(), "ack", false))

	_, err = n.Send(context.Background(), "asd", "untagged")
	require.NoError(t, err)

	result2, err := WaitForAny(context.Background(), n, time.Second, OnQueue("asd", "t1"), OnQueue("asd", ""))
	require.NoError(t, err)
	require.NotNil(t, result2)
	require.Equal(t, "", result2.Tag)
	require.Equal(t, "untagged", result2.Data)
}

func TestLargePayloadRoundTrip(t *testing.T) {
	n := newTestNode(t)
	runNode(t, n)

	// 762 KiB string, comfortably over the encoder's gzip threshold, so the
	// wire form for both the request and the reply crosses into the
	// compressed shape.
	big := make([]byte, 762*1024)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	payload := string(big)

	err := n.RegisterHandler(context.Background(), "reverse", "", func(ctx context.Context, data any) (any, error) {
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("reverse: expected string, got %T", data)
		}
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	})
	require.NoError(t, err)

	sess, err := n.Send(context.Background(), "reverse", payload)
	require.NoError(t, err)

	result, err := sess.Wait(context.Background(), true, 5*time.Second, 0)
	require.NoError(t, err)

	reversed, ok := result.(string)
	require.True(t, ok)
	require.Equal(t, len(payload), len(reversed))

	want := make([]rune, len(payload))
	src := []rune(payload)
	for i, r := range src {
		want[len(src)-1-i] = r
	}
	require.Equal(t, string(want), reversed)
}

func TestBackpressureLimitsLiveWorkers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Defaults()
	cfg.AsyncMode = config.AsyncPool
	cfg.MaxParallelWorkers = 2

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNode(redisbroker.NewChannelFromClient(client), cfg)

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	require.NoError(t, n.RegisterHandler(context.Background(), "slow", "", func(ctx context.Context, data any) (any, error) {
		cur := inFlight.Add(1)
		for {
			old := maxSeen.Load()
			if cur <= old || maxSeen.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return "done", nil
	}))

	runNode(t, n)

	const total = 5
	for i := 0; i < total; i++ {
		_, err := n.Send(context.Background(), "slow", i)
		require.NoError(t, err)
	}

	time.Sleep(300 * time.Millisecond)
	require.LessOrEqual(t, maxSeen.Load(), int32(2))

	close(release)
}
