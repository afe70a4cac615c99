package metrics

import "github.com/prometheus/client_golang/prometheus"

// PaymentMetrics records direct pays, webhook outcomes and allocation audits.
type PaymentMetrics struct {
	direct     *prometheus.CounterVec
	webhooks   *prometheus.CounterVec
	mismatches prometheus.Counter
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	direct := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_direct_total",
		Help: "Direct pay attempts by result.",
	}, []string{"result"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_webhook_total",
		Help: "Provider webhooks by outcome.",
	}, []string{"outcome"})
	mismatches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_allocation_mismatch_total",
		Help: "Allocation audits where linked payments do not sum to the master amount.",
	})
	reg.MustRegister(direct, webhooks, mismatches)
	return &PaymentMetrics{
		direct:     direct,
		webhooks:   webhooks,
		mismatches: mismatches,
	}
}

// IncDirect counts a direct pay attempt.
func (p *PaymentMetrics) IncDirect(result string) {
	if p == nil || p.direct == nil {
		return
	}
	p.direct.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncWebhook counts a webhook delivery.
func (p *PaymentMetrics) IncWebhook(outcome string) {
	if p == nil || p.webhooks == nil {
		return
	}
	p.webhooks.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncAllocationMismatch counts an audit that found drift.
func (p *PaymentMetrics) IncAllocationMismatch() {
	if p == nil || p.mismatches == nil {
		return
	}
	p.mismatches.Inc()
}
