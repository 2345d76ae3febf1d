// Package metrics exposes SIP message and transaction metrics to Prometheus.
package metrics

import (
	"context"
	"strconv"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

// ModuleName is the name of the metrics module.
const ModuleName = "mod-metrics"

// DefaultNamespace prefixes metric names when no namespace is configured.
const DefaultNamespace = "sip"

// Options contains options of the metrics module.
type Options struct {
	// Namespace of the metric names. Empty means [DefaultNamespace].
	Namespace string
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
}

func (o *Options) namespace() string {
	if o == nil || o.Namespace == "" {
		return DefaultNamespace
	}
	return o.Namespace
}

func (o *Options) constLabels() prometheus.Labels {
	if o == nil {
		return nil
	}
	return o.ConstLabels
}

// Module counts messages passing the endpoint. It observes inbound messages before
// the transaction layer and never claims requests.
type Module struct {
	sip.ModuleBase

	reqRx, reqTx *prometheus.CounterVec
	resRx, resTx *prometheus.CounterVec
}

// NewModule creates the metrics module. Its counters are registered with [Module.Register].
func NewModule(opts *Options) *Module {
	ns, labels := opts.namespace(), opts.constLabels()
	counter := func(name, help string, lbls ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, lbls)
	}
	return &Module{
		reqRx: counter("requests_received_total", "Number of received requests.", "method"),
		reqTx: counter("requests_sent_total", "Number of sent requests, retransmissions excluded.", "method"),
		resRx: counter("responses_received_total", "Number of received responses.", "method", "class"),
		resTx: counter("responses_sent_total", "Number of sent responses, retransmissions excluded.", "method", "class"),
	}
}

func (*Module) Name() string { return ModuleName }

func (*Module) Priority() int { return sip.PriorityMessageObserver }

// Register registers the module counters.
func (m *Module) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.reqRx, m.reqTx, m.resRx, m.resTx} {
		if err := reg.Register(c); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

func (m *Module) OnRxRequest(_ context.Context, req *sip.Request) bool {
	m.reqRx.WithLabelValues(methodLabel(req.Method)).Inc()
	return false
}

func (m *Module) OnRxResponse(_ context.Context, res *sip.Response) {
	m.resRx.WithLabelValues(methodLabel(res.Method()), classLabel(res.Status)).Inc()
}

func (m *Module) OnTxRequest(_ context.Context, req *sip.Request) error {
	m.reqTx.WithLabelValues(methodLabel(req.Method)).Inc()
	return nil
}

func (m *Module) OnTxResponse(_ context.Context, res *sip.Response) error {
	m.resTx.WithLabelValues(methodLabel(res.Method()), classLabel(res.Status)).Inc()
	return nil
}

func methodLabel(m sip.RequestMethod) string { return string(util.UCase(m)) }

func classLabel(s sip.ResponseStatus) string { return strconv.Itoa(int(s)/100) + "xx" }

// Register exposes the transaction layer statistics. The values are read on every scrape.
func Register(reg prometheus.Registerer, txl *sip.TransactionLayer, opts *Options) error {
	return errtrace.Wrap(reg.Register(newTxCollector(txl, opts)))
}

type txCollector struct {
	txl                       *sip.TransactionLayer
	active, created           *prometheus.Desc
	timedOut, transportErrors *prometheus.Desc
}

func newTxCollector(txl *sip.TransactionLayer, opts *Options) *txCollector {
	ns, labels := opts.namespace(), opts.constLabels()
	desc := func(name, help string, lbls ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, lbls, labels)
	}
	return &txCollector{
		txl:             txl,
		active:          desc("transactions_active", "Number of active transactions.", "type"),
		created:         desc("transactions_created_total", "Number of created transactions.", "type"),
		timedOut:        desc("transactions_timed_out_total", "Number of transactions terminated by a timeout."),
		transportErrors: desc("transactions_transport_errors_total", "Number of transactions terminated by a transport error."),
	}
}

func (c *txCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.created
	ch <- c.timedOut
	ch <- c.transportErrors
}

func (c *txCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.txl.Stats()
	for _, v := range []struct {
		typ             sip.TransactionType
		active, created uint64
	}{
		{sip.TransactionTypeClientInvite, st.InviteClientTransactions, st.InviteClientTransactionsTotal},
		{sip.TransactionTypeClientNonInvite, st.NonInviteClientTransactions, st.NonInviteClientTransactionsTotal},
		{sip.TransactionTypeServerInvite, st.InviteServerTransactions, st.InviteServerTransactionsTotal},
		{sip.TransactionTypeServerNonInvite, st.NonInviteServerTransactions, st.NonInviteServerTransactionsTotal},
	} {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(v.active), string(v.typ))
		ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(v.created), string(v.typ))
	}
	ch <- prometheus.MustNewConstMetric(c.timedOut, prometheus.CounterValue, float64(st.TimedOut))
	ch <- prometheus.MustNewConstMetric(c.transportErrors, prometheus.CounterValue, float64(st.TransportErrors))
}
