package wormhole

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/debox-dev/wormhole/config"
	"github.com/debox-dev/wormhole/encoding"
	"github.com/debox-dev/wormhole/idgen"
	"github.com/debox-dev/wormhole/redisbroker"
	"github.com/debox-dev/wormhole/wherr"
)

// State is a Node's lifecycle stage.
type State int32

const (
	StateInactive State = iota
	StateActive
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDeactivating:
		return "DEACTIVATING"
	default:
		return "INACTIVE"
	}
}

// HandlerFunc handles one decoded request and returns the value to encode
// back as the reply, or an error to encode into the err slot.
type HandlerFunc func(ctx context.Context, data any) (any, error)

type storedHandler func(ctx context.Context, raw []byte) (any, error)

type handlerEntry struct {
	uri QueueURI
	fn  storedHandler
}

// Registerable is satisfied by a type that exposes the handlers it wants
// registered, keyed by "base" or "base/tag". This is the Go-idiomatic
// stand-in for the decorator-stamped-attribute discovery convention: a
// handler is any (queue, tag, callable) triple, and here the triple comes
// from whatever the host value chooses to report rather than from scanning
// runtime metadata.
type Registerable interface {
	WormholeHandlers() map[string]HandlerFunc
}

// Node is one participant in the wormhole mesh: it owns a handler table,
// an id, and the single blocking pop loop that serves both.
type Node struct {
	id      string
	channel *redisbroker.Channel
	encoder *encoding.Encoder
	cfg     config.Config
	logger  *slog.Logger

	mu         sync.Mutex
	handlers   map[string]handlerEntry
	groups     map[string]bool
	prevGroups map[string]bool
	commands   map[byte]Command
	parallel   bool
	maxWorkers int
	live       int

	workersWG sync.WaitGroup
	state     atomic.Int32
	startedAt time.Time
}

// NodeOption configures a Node at construction time.
type NodeOption func(*Node)

// WithLogger attaches a structured logger for handler errors and pop-loop
// diagnostics.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) { n.logger = logger }
}

// NewNode creates a node with a fresh random id, backed by channel and
// configured by cfg.
func NewNode(channel *redisbroker.Channel, cfg config.Config, opts ...NodeOption) *Node {
	n := &Node{
		id:         idgen.New(),
		channel:    channel,
		encoder:    encoding.New(),
		cfg:        cfg,
		handlers:   make(map[string]handlerEntry),
		groups:     make(map[string]bool),
		prevGroups: make(map[string]bool),
		commands:   make(map[byte]Command),
		maxWorkers: cfg.MaxParallelWorkers,
		parallel:   cfg.AsyncMode == config.AsyncPool && cfg.MaxParallelWorkers > 0,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID returns this node's identity.
func (n *Node) ID() string { return n.id }

// State returns the node's current lifecycle stage.
func (n *Node) State() State { return State(n.state.Load()) }

func (n *Node) setState(s State) { n.state.Store(int32(s)) }

// Stats reports this node's rolling send/receive rates; see
// redisbroker.Channel.GetStats.
func (n *Node) Stats() (sendsPerSecond, processingPerSecond float64) {
	return n.channel.GetStats(n.id)
}

// AddToGroup marks this node as a member of group. Taking effect on the
// broker is deferred to the next pop-loop tick (§4.3 step 3).
func (n *Node) AddToGroup(group string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups[group] = true
}

// RemoveFromGroup drops this node's membership in group. The broker-side
// key is cleared on the next pop-loop tick once the delta is observed.
func (n *Node) RemoveFromGroup(group string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.groups, group)
}

// Groups returns the groups this node currently advertises.
func (n *Node) Groups() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return setToSlice(n.groups)
}

func (n *Node) sendRefresh(ctx context.Context) {
	_, err := n.channel.Enqueue(ctx, n.id, PrivateQueue(n.id), []byte{cmdRefresh}, n.cfg.SendTimeout(), redisbroker.FlagDontReply)
	if err != nil && n.logger != nil {
		n.logger.Debug("wormhole: refresh signal failed", "error", err)
	}
}

func (n *Node) registerRaw(uri QueueURI, fn storedHandler) error {
	key := uri.String()
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.handlers[key]; exists {
		return &wherr.HandlerAlreadyExistsError{Queue: key}
	}
	n.handlers[key] = handlerEntry{uri: uri, fn: fn}
	return nil
}

// RegisterHandler registers fn for base[/tag]. Duplicate registration
// fails with HandlerAlreadyExistsError.
func (n *Node) RegisterHandler(ctx context.Context, base, tag string, fn HandlerFunc) error {
	uri := QueueURI{Base: base, Tag: tag}
	wrapped := func(ctx context.Context, raw []byte) (any, error) {
		data, err := n.encoder.DecodeAny(raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, data)
	}
	if err := n.registerRaw(uri, wrapped); err != nil {
		return err
	}
	n.sendRefresh(ctx)
	return nil
}

// RegisterTypedHandler registers fn for the queue derived from T's type
// identity, decoding each popped payload straight into a T before calling
// fn instead of going through the untyped any path.
func RegisterTypedHandler[T any](ctx context.Context, n *Node, tag string, fn func(ctx context.Context, value T) (any, error)) error {
	uri := QueueURI{Base: QueueBaseForMessage[T](), Tag: tag}
	wrapped := func(ctx context.Context, raw []byte) (any, error) {
		var v T
		if err := n.encoder.Decode(raw, &v); err != nil {
			return nil, err
		}
		return fn(ctx, v)
	}
	if err := n.registerRaw(uri, wrapped); err != nil {
		return err
	}
	n.sendRefresh(ctx)
	return nil
}

// UnregisterHandler is the inverse of RegisterHandler; it fails with
// HandlerNotRegisteredError if nothing was registered for base[/tag].
func (n *Node) UnregisterHandler(ctx context.Context, base, tag string) error {
	uri := QueueURI{Base: base, Tag: tag}
	key := uri.String()
	n.mu.Lock()
	_, exists := n.handlers[key]
	if exists {
		delete(n.handlers, key)
	}
	n.mu.Unlock()
	if !exists {
		return &wherr.HandlerNotRegisteredError{Queue: key}
	}
	n.sendRefresh(ctx)
	return nil
}

// UnregisterAllHandlers empties the handler table.
func (n *Node) UnregisterAllHandlers(ctx context.Context) {
	n.mu.Lock()
	n.handlers = make(map[string]handlerEntry)
	n.mu.Unlock()
	if n.channel.IsOpen() {
		n.sendRefresh(ctx)
	}
}

// RegisterAllHandlersOfInstance registers every handler instance reports
// via Registerable.
func RegisterAllHandlersOfInstance(ctx context.Context, n *Node, instance Registerable) error {
	for key, fn := range instance.WormholeHandlers() {
		base, tag := splitHandlerKey(key)
		if err := n.RegisterHandler(ctx, base, tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func splitHandlerKey(key string) (base, tag string) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, ""
}

// sendConfig accumulates Send's functional options.
type sendConfig struct {
	tag     string
	group   string
	session *Session
}

// SendOption configures one Send call.
type SendOption func(*sendConfig)

// WithTag disambiguates the destination within its base queue.
func WithTag(tag string) SendOption {
	return func(c *sendConfig) { c.tag = tag }
}

// WithGroup addresses every node advertising group, broker's choice of
// which one actually claims it.
func WithGroup(group string) SendOption {
	return func(c *sendConfig) { c.group = group }
}

// WithSession routes to the same claimer id a prior session observed,
// giving successive sends stickiness to one claimer.
func WithSession(session *Session) SendOption {
	return func(c *sendConfig) { c.session = session }
}

// Send encodes data and enqueues it on base, returning a Session the
// caller can Poll or Wait on. Exactly one of WithTag/WithGroup and
// WithSession may be set.
func (n *Node) Send(ctx context.Context, base string, data any, opts ...SendOption) (*Session, error) {
	cfg := sendConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.session != nil && (cfg.tag != "" || cfg.group != "") {
		return nil, &wherr.SendError{Reason: "exactly one of tag/group and session may be set"}
	}

	group := cfg.group
	if cfg.session != nil {
		group = cfg.session.ClaimerID()
	}

	uri := QueueURI{Base: base, Group: group, Tag: cfg.tag}
	payload, err := n.encoder.Encode(data)
	if err != nil {
		return nil, err
	}
	messageID, err := n.channel.Enqueue(ctx, n.id, uri.String(), payload, n.cfg.SendTimeout(), 0)
	if err != nil {
		return nil, err
	}

	resend := func(ctx context.Context) (*Session, error) {
		return n.Send(ctx, base, data, opts...)
	}
	return newSession(n, messageID, resend), nil
}

// Ping round-trips a PingCommand off receiverID's private queue.
func (n *Node) Ping(ctx context.Context, receiverID string, timeout time.Duration) (time.Duration, error) {
	sess, err := sendCommand(ctx, n, receiverID, PingCommand{})
	if err != nil {
		return 0, err
	}
	v, err := sess.Wait(ctx, true, timeout, 0)
	if err != nil {
		return 0, err
	}
	raw, _ := v.([]byte)
	result, err := PingCommand{}.DeserializeResponse(raw)
	if err != nil {
		return 0, err
	}
	d, _ := result.(time.Duration)
	return d, nil
}

// Uptime asks receiverID how long it's been ACTIVE.
func (n *Node) Uptime(ctx context.Context, receiverID string, timeout time.Duration) (time.Duration, error) {
	sess, err := sendCommand(ctx, n, receiverID, uptimeCommand{})
	if err != nil {
		return 0, err
	}
	v, err := sess.Wait(ctx, true, timeout, 0)
	if err != nil {
		return 0, err
	}
	raw, _ := v.([]byte)
	result, err := uptimeCommand{}.DeserializeResponse(raw)
	if err != nil {
		return 0, err
	}
	d, _ := result.(time.Duration)
	return d, nil
}

// Stop requests a graceful shutdown. With wait=true it blocks until
// in-flight handlers drain and the node reaches INACTIVE.
func (n *Node) Stop(ctx context.Context, wait bool) error {
	n.mu.Lock()
	n.parallel = false
	n.mu.Unlock()

	// Fire-and-forget: stop is non-raising even if the broker is down,
	// since the caller has no useful recourse either way.
	_, _ = n.channel.Enqueue(ctx, n.id, PrivateQueue(n.id), []byte{cmdStop}, n.cfg.SendTimeout(), redisbroker.FlagDontReply)
	if !wait {
		return nil
	}

	n.workersWG.Wait()
	for n.State() != StateInactive {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// ProcessBlocking runs the node's main loop until it transitions to
// INACTIVE (via Stop) or the channel closes. It should be called from its
// own goroutine; ctx cancellation aborts the loop promptly between ticks.
func (n *Node) ProcessBlocking(ctx context.Context) error {
	n.setState(StateActive)
	n.startedAt = time.Now()
	defer func() {
		n.mu.Lock()
		n.handlers = make(map[string]handlerEntry)
		n.groups = make(map[string]bool)
		n.prevGroups = make(map[string]bool)
		n.mu.Unlock()
		n.setState(StateInactive)
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n.State() != StateActive {
			return nil
		}

		listenSet := n.buildListenSet()

		n.mu.Lock()
		removed := setDiff(n.prevGroups, n.groups)
		groupsSnapshot := copySet(n.groups)
		n.prevGroups = groupsSnapshot
		n.mu.Unlock()

		if len(removed) > 0 {
			if err := n.channel.RemoveFromGroups(ctx, removed, n.id); err != nil {
				n.logDebrief("failed to clear stale group membership", err)
			}
		}
		if groupList := setToSlice(groupsSnapshot); len(groupList) > 0 {
			if err := n.channel.TouchForGroups(ctx, groupList, n.id, n.cfg.SendTimeout()+5*time.Second); err != nil {
				n.logDebrief("failed to refresh group membership", err)
			}
		}

		popped, err := n.channel.PopNext(ctx, n.id, listenSet, time.Second)
		if err != nil {
			if _, closed := err.(*wherr.ChannelClosedError); closed {
				return nil
			}
			n.logDebrief("pop_next failed", err)
			continue
		}
		if popped == nil {
			continue
		}

		n.dispatch(ctx, popped)
	}
}

func (n *Node) logDebrief(msg string, err error) {
	if n.logger != nil {
		n.logger.Warn("wormhole: "+msg, "error", err)
	}
}

func (n *Node) admissionOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.parallel || n.maxWorkers <= 0 {
		return true
	}
	return n.live < n.maxWorkers
}

func (n *Node) usesWorkerPool() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parallel && n.maxWorkers > 0
}

func (n *Node) buildListenSet() []string {
	private := PrivateQueue(n.id)
	if !n.admissionOpen() {
		return []string{private}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	fanoutGroups := make([]string, 0, len(n.groups)+1)
	for g := range n.groups {
		fanoutGroups = append(fanoutGroups, g)
	}
	fanoutGroups = append(fanoutGroups, n.id)

	listen := make([]string, 0, 1+len(n.handlers)*(1+len(fanoutGroups)))
	listen = append(listen, private)
	for _, entry := range n.handlers {
		listen = append(listen, entry.uri.String())
		for _, g := range fanoutGroups {
			listen = append(listen, entry.uri.WithGroup(g).String())
		}
	}
	return listen
}

func (n *Node) dispatch(ctx context.Context, popped *redisbroker.PopResult) {
	normalized, err := ParseQueueURI(popped.Queue)
	if err != nil {
		n.logDebrief("popped an unparseable queue uri", err)
		return
	}
	normalized = normalized.WithoutGroup()

	if normalized.Base == n.id {
		n.handlePrivateQueuePayload(ctx, popped.MessageID, popped.Payload)
		return
	}

	n.mu.Lock()
	entry, ok := n.handlers[normalized.String()]
	n.mu.Unlock()
	if !ok {
		// Raced with an unregister between pop and lookup; nothing owns
		// this message anymore.
		return
	}

	n.runDispatched(ctx, entry.fn, popped.MessageID, popped.Payload, popped.Flags)
}

// runDispatched invokes a matched handler, either inline on this goroutine
// or on a fresh worker-pool goroutine, depending on async configuration.
func (n *Node) runDispatched(ctx context.Context, fn storedHandler, messageID string, payload []byte, flags int) {
	if !n.usesWorkerPool() {
		n.runHandler(ctx, fn, messageID, payload, flags)
		return
	}

	n.mu.Lock()
	n.live++
	n.mu.Unlock()

	n.workersWG.Add(1)
	go func() {
		defer n.workersWG.Done()
		defer func() {
			n.mu.Lock()
			n.live--
			n.mu.Unlock()
			n.sendRefresh(context.Background())
		}()
		n.runHandler(ctx, fn, messageID, payload, flags)
	}()
}

func (n *Node) runHandler(ctx context.Context, fn storedHandler, messageID string, payload []byte, flags int) {
	dontReply := flags&redisbroker.FlagDontReply != 0

	reply, err := fn(ctx, payload)
	if err != nil {
		n.logDebrief("handler returned an error", err)
		if dontReply {
			return
		}
		errPayload, encErr := n.encoder.Encode(fmt.Sprint(err))
		if encErr != nil {
			errPayload, _ = n.encoder.Encode("wormhole: failed to encode handler error")
		}
		n.safeReply(ctx, messageID, errPayload, true)
		return
	}
	if dontReply {
		return
	}

	outPayload, err := n.encoder.Encode(reply)
	if err != nil {
		n.logDebrief("failed to encode handler reply", err)
		errPayload, _ := n.encoder.Encode(err.Error())
		n.safeReply(ctx, messageID, errPayload, true)
		return
	}
	n.safeReply(ctx, messageID, outPayload, false)
}

func (n *Node) safeReply(ctx context.Context, messageID string, payload []byte, isError bool) {
	if err := n.channel.Reply(ctx, messageID, payload, isError, n.cfg.ReplyExpiration()); err != nil {
		n.logDebrief("reply failed", err)
	}
}

func setDiff(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	return out
}

func copySet(a map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func setToSlice(a map[string]bool) []string {
	out := make([]string, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	return out
}
