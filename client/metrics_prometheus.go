package client

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	dispatcherStarted       *prometheus.CounterVec
	dispatcherStopped       *prometheus.CounterVec
	dispatcherProgressError *prometheus.CounterVec
	sendCompleted           *prometheus.CounterVec
	sendFailed              *prometheus.CounterVec
	receiveCompleted        *prometheus.CounterVec
	receiveFailed           *prometheus.CounterVec
	rendezvousCompleted     *prometheus.CounterVec
}

var (
	dispatcherLabelKeys = []string{labelEngine, labelClass}
	progressLabelKeys   = []string{labelEngine, labelClass, labelKind}
	completionLabelKeys = []string{labelEngine, labelClass, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelEngine, labelClass, labelOperation}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered with the same descriptor are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{}
	vecs := []struct {
		dst  **prometheus.CounterVec
		name string
		help string
		keys []string
	}{
		{&p.dispatcherStarted, "tagmq_client_dispatcher_started_total", "Number of times the dispatcher loop started", dispatcherLabelKeys},
		{&p.dispatcherStopped, "tagmq_client_dispatcher_stopped_total", "Number of times the dispatcher loop stopped", dispatcherLabelKeys},
		{&p.dispatcherProgressError, "tagmq_client_dispatcher_progress_errors_total", "Number of transport progress errors surfaced by the dispatcher", progressLabelKeys},
		{&p.sendCompleted, "tagmq_client_send_completed_total", "Number of successful send completions", completionLabelKeys},
		{&p.sendFailed, "tagmq_client_send_failed_total", "Number of errored send completions", failureLabelKeys},
		{&p.receiveCompleted, "tagmq_client_receive_completed_total", "Number of successful receive completions", completionLabelKeys},
		{&p.receiveFailed, "tagmq_client_receive_failed_total", "Number of errored or canceled receive completions", failureLabelKeys},
		{&p.rendezvousCompleted, "tagmq_client_rendezvous_completed_total", "Number of sends completed through the rendezvous protocol", dispatcherLabelKeys},
	}
	for _, v := range vecs {
		vec, err := registerCounterVec(reg, counter(v.name, v.help, v.keys))
		if err != nil {
			return nil, err
		}
		*v.dst = vec
	}
	return p, nil
}

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherProgressError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, progressLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherProgressError.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RendezvousCompleted(attrs map[string]string) {
	p.rendezvousCompleted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
