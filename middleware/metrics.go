package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hostcall/message"
	"hostcall/payload"
	"hostcall/registry"
)

// Metrics counts hostcalls per service and outcome and observes their latency.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hostcall_requests_total", Help: "hostcalls by service and outcome"},
			[]string{"service", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostcall_duration_seconds",
				Help:    "hostcall handling time.",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
			[]string{"service"},
		),
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware records one sample per request. The outcome is "rejected" when the request
// never reached a handler, otherwise the status in slot 0. FREE defines no status, so
// its outcome is always "served".
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			service := req.Service.String()

			outcome := "served"
			switch {
			case resp.Code != message.CodeOK:
				outcome = "rejected"
			case req.Service != registry.ServiceFree:
				outcome = payload.Status(resp.Payload[0]).String()
			}
			m.requests.WithLabelValues(service, outcome).Inc()
			m.latency.WithLabelValues(service).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
