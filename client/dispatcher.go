package client

import (
	"errors"
	"fmt"
	"strings"

	"code.hybscloud.com/iox"

	"github.com/rocketbitz/tagmq/mq"
	"github.com/rocketbitz/tagmq/transport/loopback"
)

// Logger provides structured debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherProgressError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	RendezvousCompleted(attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := []logField{
		logKV(labelEngine, c.cfg.ID),
		logKV(labelClass, c.endpoint.Class().String()),
		logKV("addr", c.endpoint.Addr()),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)

	defer func() {
		err := c.dispatcherError()
		fields := []logField{logKV(labelStatus, "ok")}
		if err != nil {
			fields[0] = logKV(labelStatus, "error")
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		if span != nil {
			span.End(err)
		}
	}()

	backoff := iox.Backoff{}
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.stats.rounds.Add(1)

		n, err := c.engine.Progress()
		if err != nil {
			dispatchErr := fmt.Errorf("progress: %w", err)
			c.recordDispatcherFailure(span, "progress_error", dispatchErr)
			c.recordDispatcherError(dispatchErr)
			if errors.Is(err, loopback.ErrClosed) {
				return
			}
		}

		if reaped := c.reap(span); n > 0 || reaped > 0 {
			backoff.Reset()
			continue
		}
		backoff.Wait()
	}
}

// reap resolves every completed request at the head of the engine's
// completed list that belongs to this client.
func (c *Client) reap(span Span) int {
	n := 0
	for {
		h, st, ok := c.engine.Peek()
		if !ok {
			return n
		}
		op, mine := st.Context.(*operation)
		if !mine || op == nil || op.client != c {
			return n
		}
		st, err := c.engine.Test(h)
		if errors.Is(err, mq.ErrInvalidRequest) {
			continue
		}
		c.opsMu.Lock()
		delete(c.ops, h)
		c.opsMu.Unlock()

		c.handleCompletion(op, st, span)
		c.stats.reaped.Add(1)
		n++
	}
}

func (c *Client) handleCompletion(op *operation, st mq.Status, span Span) {
	result := operationResult{length: st.Length, status: st}
	if st.Err != nil {
		result.err = OperationError{Kind: op.kind, Peer: st.Source, Tag: st.Tag, Err: st.Err}
	}
	c.logOperationCompletion(op, result, span)
	op.complete(result)
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{Size: res.length, Err: res.err}
		if meta, ok := op.meta.(*sendMeta); ok {
			completion.Dest = meta.dest
			completion.Tag = meta.tag
			completion.Rendezvous = meta.rendezvous
		}
		for _, handler := range handlers {
			go handler(completion)
		}
	case OperationReceive:
		switch {
		case errors.Is(res.err, mq.ErrCanceled):
			c.stats.recvCanceled.Add(1)
		case res.err != nil:
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		default:
			c.stats.recvMatched.Add(1)
			if res.status.Truncated() {
				c.stats.recvTruncated.Add(1)
			}
		}
		meta, _ := op.meta.(*receiveMeta)
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if res.err == nil {
			c.logf("client: receive completed size=%d source=%v tag=%v", res.length, res.status.Source, res.status.Tag)
		}
		if len(handlers) == 0 {
			return
		}
		var basePayload []byte
		if res.length > 0 && meta != nil && len(meta.buffer) >= res.length {
			basePayload = meta.buffer[:res.length]
		}
		for _, handler := range handlers {
			var payloadCopy []byte
			if basePayload != nil {
				payloadCopy = append([]byte(nil), basePayload...)
			}
			go handler(ReceiveCompletion{
				Payload:   payloadCopy,
				Source:    res.status.Source,
				Tag:       res.status.Tag,
				MsgLength: res.status.MsgLength,
				Err:       res.err,
			})
		}
	}
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Client) dispatcherError() error {
	if c == nil {
		return nil
	}
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	return c.tracer.StartSpan("tagmq-client-dispatcher",
		TraceAttribute{Key: "component", Value: "tagmq-client"},
		TraceAttribute{Key: labelEngine, Value: c.cfg.ID},
		TraceAttribute{Key: labelClass, Value: c.endpoint.Class().String()},
	)
}

func (c *Client) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	c.metricDispatcherProgressError(event, err, fields...)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult, span Span) {
	if c == nil || op == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(res.err, mq.ErrCanceled):
		status = "canceled"
	case res.err != nil:
		status = "error"
	case res.status.Truncated():
		status = "truncated"
	}
	eventName := "completion"
	if res.err != nil {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, status),
	}
	rendezvous := false
	if meta, ok := op.meta.(*sendMeta); ok && meta.rendezvous {
		rendezvous = true
		fields = append(fields, logKV(labelMode, "rendezvous"))
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if res.status.MsgLength > res.length {
		fields = append(fields, logKV("msg_length", res.status.MsgLength))
	}
	if res.status.Source != 0 {
		fields = append(fields, logKV("peer", res.status.Source))
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil && status != "canceled" {
		spanRecordError(span, res.err)
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metricSendFailed(res.err, fields...)
			return
		}
		c.metricSendCompleted(fields...)
		if rendezvous {
			c.metricRendezvousCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			c.metricReceiveFailed(res.err, fields...)
		} else {
			c.metricReceiveCompleted(fields...)
		}
	}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelEngine] = c.cfg.ID
	attrs[labelClass] = c.endpoint.Class().String()
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("tagmq client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherProgressError(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherProgressError(kind, err, c.metricAttrs(fields...))
}

func (c *Client) metricSendCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricSendFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricReceiveCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricReceiveFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricRendezvousCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.RendezvousCompleted(c.metricAttrs(fields...))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
