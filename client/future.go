package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rocketbitz/tagmq/mq"
)

type operationResult struct {
	length int
	status mq.Status
	err    error
}

type operation struct {
	client *Client
	kind   OperationKind
	size   int
	handle mq.Handle
	done   chan struct{}
	meta   any

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

type sendMeta struct {
	dest       mq.Addr
	tag        mq.Tag
	rendezvous bool
}

type receiveMeta struct {
	buffer []byte
}

func newOperation(client *Client, kind OperationKind, size int, meta any) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		handle: mq.InvalidHandle,
		done:   make(chan struct{}),
		meta:   meta,
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

func (op *operation) await(ctx context.Context) (operationResult, error) {
	ctx = ensureContext(ctx)
	select {
	case <-op.done:
		res := op.resultSnapshot()
		return res, res.err
	case <-ctx.Done():
		select {
		case <-op.done:
			res := op.resultSnapshot()
			return res, res.err
		default:
		}
		return operationResult{}, ctx.Err()
	}
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("tagmq client: nil send future")
	}
	_, err := f.op.await(ctx)
	return err
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// Rendezvous reports whether the payload was too large to send eagerly.
func (f *SendFuture) Rendezvous() bool {
	if f == nil || f.op == nil {
		return false
	}
	meta, _ := f.op.meta.(*sendMeta)
	return meta != nil && meta.rendezvous
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op   *operation
	buf  []byte
	meta *receiveMeta
}

// Await blocks until the receive resolves or the context is cancelled. It
// returns the number of bytes delivered into the buffer.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("tagmq client: nil receive future")
	}
	res, err := f.op.await(ctx)
	return res.length, err
}

// Buffer returns the buffer the message is delivered into.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// Status returns the completed request's status. It is the zero Status until
// the future resolves.
func (f *ReceiveFuture) Status() mq.Status {
	if f == nil || f.op == nil {
		return mq.Status{}
	}
	select {
	case <-f.op.done:
		return f.op.resultSnapshot().status
	default:
		return mq.Status{}
	}
}

// Source returns the address of the peer that produced the data, once known.
func (f *ReceiveFuture) Source() mq.Addr {
	return f.Status().Source
}

// Tag returns the matched message's tag, once known.
func (f *ReceiveFuture) Tag() mq.Tag {
	return f.Status().Tag
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
