package loopback

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/tagmq/mq"
)

type pair struct {
	fabric *Fabric
	a, b   *mq.Engine
	ea, eb *Endpoint
}

func newPair(t *testing.T, opts ...Option) pair {
	t.Helper()
	f := NewFabric(opts...)
	a := mq.New(mq.Config{ID: "a"})
	b := mq.New(mq.Config{ID: "b"})
	ea, err := f.Attach(a)
	if err != nil {
		t.Fatalf("Attach a: %v", err)
	}
	eb, err := f.Attach(b)
	if err != nil {
		t.Fatalf("Attach b: %v", err)
	}
	t.Cleanup(func() {
		_ = f.Close()
		_ = a.Close()
		_ = b.Close()
	})
	return pair{fabric: f, a: a, b: b, ea: ea, eb: eb}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + 1)
	}
	return b
}

func exchange(t *testing.T, p pair, msg []byte) []byte {
	t.Helper()
	buf := make([]byte, len(msg))
	rh, err := p.b.IRecv(p.ea.Addr(), mq.Tag64(0x42), mq.SelectAll, buf, nil)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	sh, err := p.a.ISend(p.eb.Addr(), mq.Tag64(0x42), msg, nil)
	if err != nil {
		t.Fatalf("ISend: %v", err)
	}
	st, err := p.b.Wait(ctxT(t), rh)
	if err != nil {
		t.Fatalf("Wait recv: %v", err)
	}
	if st.Length != len(msg) || st.Source != p.ea.Addr() {
		t.Fatalf("recv status = %+v", st)
	}
	if _, err := p.a.Wait(ctxT(t), sh); err != nil {
		t.Fatalf("Wait send: %v", err)
	}
	return buf
}

func TestEagerExchange(t *testing.T) {
	p := newPair(t)
	msg := []byte("hello")
	if got := exchange(t, p, msg); !bytes.Equal(got, msg) {
		t.Fatalf("payload = %q", got)
	}
	if p.ea.Class() != mq.ClassShm {
		t.Fatalf("default class = %s", p.ea.Class())
	}
}

func TestFragmentedExchange(t *testing.T) {
	p := newPair(t, WithFragmentSize(7))
	msg := fill(100)
	if got := exchange(t, p, msg); !bytes.Equal(got, msg) {
		t.Fatalf("payload mismatch")
	}
}

func TestFragmentedUnexpected(t *testing.T) {
	p := newPair(t, WithFragmentSize(16))
	msg := fill(50)
	if _, err := p.a.ISend(p.eb.Addr(), mq.Tag64(9), msg, nil); err != nil {
		t.Fatalf("ISend: %v", err)
	}
	if n, err := p.eb.Progress(); err != nil || n != 4 {
		t.Fatalf("Progress = %d, %v", n, err)
	}
	buf := make([]byte, 64)
	h, err := p.b.IRecv(mq.AnyAddr, mq.Tag64(9), mq.SelectAll, buf, nil)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	st, err := p.b.Test(h)
	if err != nil || st.Length != 50 || !bytes.Equal(buf[:50], msg) {
		t.Fatalf("Test = %+v, %v", st, err)
	}
}

func TestRendezvousExchange(t *testing.T) {
	p := newPair(t, WithClass(mq.ClassFabric))
	msg := fill(mq.DefaultFabricThreshold * 3)
	if got := exchange(t, p, msg); !bytes.Equal(got, msg) {
		t.Fatalf("payload mismatch")
	}
	if s := p.a.Stats(); s.TxRndvNum != 1 {
		t.Fatalf("sender stats = %+v", s)
	}
}

func TestAsyncRendezvousWindows(t *testing.T) {
	p := newPair(t, WithAsyncPull())
	if err := p.b.SetOption(mq.OptRendezvousWindow, 4096); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	msg := fill(mq.DefaultShmThreshold*2 + 5)
	if got := exchange(t, p, msg); !bytes.Equal(got, msg) {
		t.Fatalf("payload mismatch")
	}
}

func TestRendezvousTruncated(t *testing.T) {
	p := newPair(t)
	msg := fill(mq.DefaultShmThreshold + 100)
	buf := make([]byte, 1000)
	rh, _ := p.b.IRecv(mq.AnyAddr, mq.Tag64(1), mq.SelectAll, buf, nil)
	sh, err := p.a.ISend(p.eb.Addr(), mq.Tag64(1), msg, nil)
	if err != nil {
		t.Fatalf("ISend: %v", err)
	}
	st, err := p.b.Wait(ctxT(t), rh)
	if err != nil || st.Length != 1000 || st.MsgLength != len(msg) {
		t.Fatalf("Wait = %+v, %v", st, err)
	}
	if !bytes.Equal(buf, msg[:1000]) {
		t.Fatalf("payload mismatch")
	}
	sst, err := p.a.Wait(ctxT(t), sh)
	if err != nil || sst.Length != len(msg) {
		t.Fatalf("send status = %+v, %v", sst, err)
	}
}

func TestUnexpectedRendezvousViaMProbe(t *testing.T) {
	p := newPair(t)
	msg := fill(mq.DefaultShmThreshold + 1)
	sh, _ := p.a.ISend(p.eb.Addr(), mq.Tag64(5), msg, nil)
	h, st, err := p.b.IMProbe(mq.AnyAddr, mq.Tag64(5), mq.SelectAll)
	if err != nil {
		t.Fatalf("IMProbe: %v", err)
	}
	buf := make([]byte, st.MsgLength)
	if err := p.b.Attach(h, buf, nil); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := p.b.Wait(ctxT(t), h); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("payload mismatch")
	}
	if _, err := p.a.Wait(ctxT(t), sh); err != nil {
		t.Fatalf("Wait send: %v", err)
	}
}

func TestUnknownPeer(t *testing.T) {
	p := newPair(t)
	_, err := p.a.ISend(99, mq.Tag64(1), []byte("x"), nil)
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("ISend = %v", err)
	}
	var te *mq.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}
}

func TestCloseDetachesEndpoints(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := NewFabric(WithLogger(zap.New(core)))
	e := mq.New(mq.Config{})
	defer e.Close()
	ep, err := f.Attach(e)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ep.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second endpoint Close = %v", err)
	}
	if _, err := ep.Progress(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Progress after close = %v", err)
	}
	if _, err := f.Attach(e); !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach after close = %v", err)
	}
	if logs.FilterMessage("endpoint closed").Len() != 1 {
		t.Fatalf("expected endpoint closed log")
	}
}

func TestConcurrentWaiters(t *testing.T) {
	p := newPair(t, WithFragmentSize(32))
	const n = 50
	bufs := make([][]byte, n)
	handles := make([]mq.Handle, n)
	for i := range handles {
		bufs[i] = make([]byte, 64)
		h, err := p.b.IRecv(mq.AnyAddr, mq.Tag64(uint64(i)), mq.SelectAll, bufs[i], nil)
		if err != nil {
			t.Fatalf("IRecv: %v", err)
		}
		handles[i] = h
	}
	ctx := ctxT(t)
	errs := make(chan error, n)
	for i := range handles {
		go func(i int) {
			st, err := p.b.Wait(ctx, handles[i])
			if err == nil && (st.Length != 64 || bufs[i][0] != byte(i)) {
				err = errors.New("payload mismatch")
			}
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, 64)
		if _, err := p.a.Send(ctx, p.eb.Addr(), mq.Tag64(uint64(i)), msg); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("waiter: %v", err)
		}
	}
	if err := p.b.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestStagingExhaustionDefersDelivery(t *testing.T) {
	f := NewFabric(WithFragmentSize(32))
	a := mq.New(mq.Config{ID: "a"})
	b := mq.New(mq.Config{ID: "b", StagingBytes: 64})
	ea, err := f.Attach(a)
	if err != nil {
		t.Fatalf("Attach a: %v", err)
	}
	eb, err := f.Attach(b)
	if err != nil {
		t.Fatalf("Attach b: %v", err)
	}
	t.Cleanup(func() {
		_ = f.Close()
		_ = a.Close()
		_ = b.Close()
	})

	first := fill(64)
	second := bytes.Repeat([]byte{0x5a}, 64)
	if _, err := a.ISend(eb.Addr(), mq.Tag64(1), first, nil); err != nil {
		t.Fatalf("ISend first: %v", err)
	}
	if _, err := a.ISend(eb.Addr(), mq.Tag64(2), second, nil); err != nil {
		t.Fatalf("ISend second: %v", err)
	}

	if n, err := eb.Progress(); err != nil || n != 2 {
		t.Fatalf("Progress = %d, %v", n, err)
	}
	if got := eb.Deferred(); got != 2 {
		t.Fatalf("Deferred = %d, want 2", got)
	}
	if snap := b.Snapshot(); snap.UnexpectedList != 1 || snap.HeldFrames != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if n, err := eb.Progress(); err != nil || n != 0 {
		t.Fatalf("Progress while full = %d, %v", n, err)
	}

	buf1 := make([]byte, 64)
	h1, _ := b.IRecv(ea.Addr(), mq.Tag64(1), mq.SelectAll, buf1, nil)
	if _, err := b.Wait(ctxT(t), h1); err != nil || !bytes.Equal(buf1, first) {
		t.Fatalf("Wait first = %v", err)
	}
	buf2 := make([]byte, 64)
	h2, _ := b.IRecv(ea.Addr(), mq.Tag64(2), mq.SelectAll, buf2, nil)
	if _, err := b.Wait(ctxT(t), h2); err != nil || !bytes.Equal(buf2, second) {
		t.Fatalf("Wait second = %v", err)
	}
	if got := eb.Deferred(); got != 0 {
		t.Fatalf("Deferred after drain = %d", got)
	}
	if snap := b.Snapshot(); snap.HeldFrames != 0 || snap.Staged != 0 || snap.Live != 0 {
		t.Fatalf("snapshot after drain = %+v", snap)
	}
	if err := b.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestDetachDiscardsHeldFragments(t *testing.T) {
	p := newPair(t)
	_ = p.b.DeliverData(p.ea.Addr(), 77, 8, fill(8))
	if snap := p.b.Snapshot(); snap.HeldFrames != 1 {
		t.Fatalf("HeldFrames = %d, want 1", snap.HeldFrames)
	}
	if err := p.ea.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if snap := p.b.Snapshot(); snap.HeldFrames != 0 {
		t.Fatalf("HeldFrames after detach = %d", snap.HeldFrames)
	}
}
