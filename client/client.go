package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/tagmq/mq"
	"github.com/rocketbitz/tagmq/transport/loopback"
)

var (
	// ErrClosed indicates the client has already been closed.
	ErrClosed = errors.New("tagmq client: closed")
	// ErrNoMessage indicates ProbeReceiveAsync found nothing to claim.
	ErrNoMessage = errors.New("tagmq client: no matching message")
)

// Config controls Dial behaviour for the high-level Client.
type Config struct {
	// Fabric the client attaches to. Dial creates a private shared-memory
	// fabric when nil; the client then closes it on Close.
	Fabric *loopback.Fabric
	// ID labels the engine in logs and metrics.
	ID      string
	Timeout time.Duration

	HashThreshold int
	MaxRequests   int
	StagingBytes  int
	WaitSpins     int

	// Zero leaves the engine defaults in place.
	FabricThreshold  uint64
	ShmThreshold     uint64
	RendezvousWindow uint64

	// EngineLogger receives the engine's own structured logs.
	EngineLogger     *zap.Logger
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client runs a tag-matching engine on a fabric endpoint and resolves
// futures from a background dispatcher.
type Client struct {
	cfg           Config
	engine        *mq.Engine
	endpoint      *loopback.Endpoint
	fabric        *loopback.Fabric
	ownFabric     bool
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup

	// opsMu is held across posting and registering so the dispatcher never
	// sees a completion it cannot attribute.
	opsMu sync.Mutex
	ops   map[mq.Handle]*operation

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

type errorHolder struct {
	err error
}

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError carries the terminal error of a failed request.
type OperationError struct {
	Kind OperationKind
	Peer mq.Addr
	Tag  mq.Tag
	Err  error
}

func (e OperationError) Error() string {
	return fmt.Sprintf("tagmq %s failed (peer=%s tag=%s): %v", e.Kind, e.Peer, e.Tag, e.Err)
}

// Unwrap allows errors.Is / errors.As to reach the engine error.
func (e OperationError) Unwrap() error {
	return e.Err
}

// SendCompletion describes the outcome of a send operation dispatched through a handler.
type SendCompletion struct {
	Size       int
	Dest       mq.Addr
	Tag        mq.Tag
	Rendezvous bool
	Err        error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	Payload   []byte
	Source    mq.Addr
	Tag       mq.Tag
	MsgLength int
	Err       error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Stats contains counters for client operations together with the engine's
// own traffic counters.
type Stats struct {
	SendPosted       uint64
	SendCompleted    uint64
	SendErrored      uint64
	ReceivePosted    uint64
	ReceiveMatched   uint64
	ReceiveErrored   uint64
	ReceiveCanceled  uint64
	ReceiveTruncated uint64
	RendezvousPosted uint64
	DispatcherReaped uint64
	DispatcherRounds uint64
	Engine           mq.Stats
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	recvCanceled  atomic.Uint64
	recvTruncated atomic.Uint64
	rndvPosted    atomic.Uint64
	reaped        atomic.Uint64
	rounds        atomic.Uint64
}

// Dial creates an engine, attaches it to the configured fabric and starts the
// dispatcher.
func Dial(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	ownFabric := false
	if cfg.Fabric == nil {
		cfg.Fabric = loopback.NewFabric(loopback.WithLogger(cfg.EngineLogger))
		ownFabric = true
	}

	engine := mq.New(mq.Config{
		ID:            cfg.ID,
		HashThreshold: cfg.HashThreshold,
		MaxRequests:   cfg.MaxRequests,
		StagingBytes:  cfg.StagingBytes,
		WaitSpins:     cfg.WaitSpins,
		Logger:        cfg.EngineLogger,
	})
	cfg.ID = engine.ID()

	overrides := []struct {
		key   mq.Option
		value uint64
	}{
		{mq.OptRendezvousFabricThreshold, cfg.FabricThreshold},
		{mq.OptRendezvousShmThreshold, cfg.ShmThreshold},
		{mq.OptRendezvousWindow, cfg.RendezvousWindow},
	}
	for _, o := range overrides {
		if o.value == 0 {
			continue
		}
		if err := engine.SetOption(o.key, o.value); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("set %s: %w", o.key, err)
		}
	}

	endpoint, err := cfg.Fabric.Attach(engine)
	if err != nil {
		_ = engine.Close()
		if ownFabric {
			_ = cfg.Fabric.Close()
		}
		return nil, fmt.Errorf("attach endpoint: %w", err)
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	client := &Client{
		cfg:              cfg,
		engine:           engine,
		endpoint:         endpoint,
		fabric:           cfg.Fabric,
		ownFabric:        ownFabric,
		stopCh:           make(chan struct{}),
		ops:              make(map[mq.Handle]*operation),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	client.wg.Add(1)
	go client.dispatch()

	return client, nil
}

// Close stops the dispatcher, detaches the endpoint and closes the engine.
// Futures still pending resolve with ErrClosed.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()

	var err error
	if cerr := c.endpoint.Close(); cerr != nil && !errors.Is(cerr, loopback.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("close endpoint: %w", cerr))
	}
	if cerr := c.engine.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close engine: %w", cerr))
	}
	if c.ownFabric {
		if cerr := c.fabric.Close(); cerr != nil && !errors.Is(cerr, loopback.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close fabric: %w", cerr))
		}
	}

	c.opsMu.Lock()
	pending := c.ops
	c.ops = make(map[mq.Handle]*operation)
	c.opsMu.Unlock()
	for _, op := range pending {
		op.complete(operationResult{err: ErrClosed})
	}
	return err
}

// Addr returns the address peers use to reach this client.
func (c *Client) Addr() mq.Addr {
	if c == nil || c.endpoint == nil {
		return mq.AnyAddr
	}
	return c.endpoint.Addr()
}

// ID returns the engine identifier used in logs and metric labels.
func (c *Client) ID() string {
	if c == nil {
		return ""
	}
	return c.cfg.ID
}

// Send transmits payload to dest and waits for the send to complete, using
// the configured timeout when the supplied context lacks a deadline.
func (c *Client) Send(ctx context.Context, dest mq.Addr, tag mq.Tag, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := c.SendAsync(dest, tag, payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send and returns a future that resolves when the engine
// reports completion. payload must not be modified until then.
func (c *Client) SendAsync(dest mq.Addr, tag mq.Tag, payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if dest == mq.AnyAddr {
		return nil, errors.New("tagmq client: destination address required")
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	rendezvous := uint64(len(payload)) > c.eagerLimit()
	op := newOperation(c, OperationSend, len(payload), &sendMeta{dest: dest, tag: tag, rendezvous: rendezvous})

	c.opsMu.Lock()
	h, err := c.engine.ISend(dest, tag, payload, op)
	if err != nil {
		c.opsMu.Unlock()
		return nil, fmt.Errorf("post send: %w", err)
	}
	op.handle = h
	c.ops[h] = op
	c.opsMu.Unlock()

	c.stats.sendPosted.Add(1)
	if rendezvous {
		c.stats.rndvPosted.Add(1)
	}
	c.logf("client: send posted size=%d dest=%v tag=%v rendezvous=%t", len(payload), dest, tag, rendezvous)
	return &SendFuture{op: op}, nil
}

// Receive posts a receive and waits for a matching message. When ctx ends
// after the receive has already matched, the cancel failure is joined to the
// returned error and buf may still be written until the future completes.
func (c *Client) Receive(ctx context.Context, src mq.Addr, tag mq.Tag, sel mq.Selector, buf []byte) (mq.Status, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return mq.Status{}, err
	}
	future, err := c.ReceiveAsync(src, tag, sel, buf)
	if err != nil {
		return mq.Status{}, err
	}
	if _, err := future.Await(ctx); err != nil {
		if ctx.Err() != nil {
			if cerr := c.Cancel(future); cerr != nil {
				c.logf("client: receive cancel failed src=%v tag=%v err=%v", src, tag, cerr)
				err = multierr.Append(err, cerr)
			}
		}
		return future.Status(), err
	}
	return future.Status(), nil
}

// ReceiveAsync posts a receive for messages matching (src, tag, sel) and
// returns a future that resolves when data arrives.
func (c *Client) ReceiveAsync(src mq.Addr, tag mq.Tag, sel mq.Selector, buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	meta := &receiveMeta{buffer: buf}
	op := newOperation(c, OperationReceive, len(buf), meta)

	c.opsMu.Lock()
	h, err := c.engine.IRecv(src, tag, sel, buf, op)
	if err != nil {
		c.opsMu.Unlock()
		return nil, fmt.Errorf("post recv: %w", err)
	}
	op.handle = h
	c.ops[h] = op
	c.opsMu.Unlock()

	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d src=%v tag=%v", len(buf), src, tag)
	return &ReceiveFuture{op: op, buf: buf, meta: meta}, nil
}

// Probe reports whether a message matching (src, tag, sel) is waiting to be
// received, without receiving it.
func (c *Client) Probe(src mq.Addr, tag mq.Tag, sel mq.Selector) (mq.Status, bool, error) {
	if err := c.ensureOpen(); err != nil {
		return mq.Status{}, false, err
	}
	st, err := c.engine.IProbe(src, tag, sel)
	if mq.IsNoProgress(err) {
		return mq.Status{}, false, nil
	}
	if err != nil {
		return mq.Status{}, false, err
	}
	return st, true, nil
}

// ProbeReceiveAsync claims a waiting message matching (src, tag, sel) and
// receives it into a buffer sized to the whole message. It returns
// ErrNoMessage when nothing matches.
func (c *Client) ProbeReceiveAsync(src mq.Addr, tag mq.Tag, sel mq.Selector) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	h, st, err := c.engine.IMProbe(src, tag, sel)
	if mq.IsNoProgress(err) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	buf := make([]byte, st.MsgLength)
	meta := &receiveMeta{buffer: buf}
	op := newOperation(c, OperationReceive, len(buf), meta)
	if err := c.engine.Attach(h, buf, op); err != nil {
		return nil, fmt.Errorf("attach buffer: %w", err)
	}
	op.handle = h
	c.ops[h] = op

	c.stats.recvPosted.Add(1)
	c.logf("client: probed receive size=%d src=%v tag=%v", len(buf), st.Source, st.Tag)
	return &ReceiveFuture{op: op, buf: buf, meta: meta}, nil
}

// Cancel withdraws a posted receive that has not matched yet. The future
// resolves with an error wrapping mq.ErrCanceled.
func (c *Client) Cancel(f *ReceiveFuture) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if f == nil || f.op == nil {
		return errors.New("tagmq client: nil receive future")
	}
	if err := c.engine.Cancel(f.op.handle); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

// SetOption forwards a runtime option to the engine.
func (c *Client) SetOption(key mq.Option, value uint64) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.engine.SetOption(key, value)
}

// Snapshot reports the engine's queue occupancy.
func (c *Client) Snapshot() mq.Snapshot {
	return c.engine.Snapshot()
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:       c.stats.sendPosted.Load(),
		SendCompleted:    c.stats.sendCompleted.Load(),
		SendErrored:      c.stats.sendErrored.Load(),
		ReceivePosted:    c.stats.recvPosted.Load(),
		ReceiveMatched:   c.stats.recvMatched.Load(),
		ReceiveErrored:   c.stats.recvErrored.Load(),
		ReceiveCanceled:  c.stats.recvCanceled.Load(),
		ReceiveTruncated: c.stats.recvTruncated.Load(),
		RendezvousPosted: c.stats.rndvPosted.Load(),
		DispatcherReaped: c.stats.reaped.Load(),
		DispatcherRounds: c.stats.rounds.Load(),
		Engine:           c.engine.Stats(),
	}
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if err := c.dispatcherError(); err != nil {
		return fmt.Errorf("tagmq client dispatcher failed: %w", err)
	}
	return nil
}

// eagerLimit is the largest payload the engine sends eagerly over this
// client's endpoint class.
func (c *Client) eagerLimit() uint64 {
	key := mq.OptRendezvousShmThreshold
	if c.endpoint.Class() == mq.ClassFabric {
		key = mq.OptRendezvousFabricThreshold
	}
	v, err := c.engine.GetOption(key)
	if err != nil {
		return 0
	}
	return v
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
