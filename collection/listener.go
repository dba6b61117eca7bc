package collection

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkscale/vt/core"
)

// PromListener is a concrete consumer of the Holder event fan-out
// (spec.md §2 "Listener fan-out", 2% share): a set of Prometheus
// counters a visualization tool or the load-balancer statistics
// collector (both named out-of-scope contract collaborators in spec.md
// §1) would scrape. It gives the listener mechanism a real, wireable
// consumer instead of leaving it an abstract hook nothing ever calls.
type PromListener struct {
	created    prometheus.Counter
	destroyed  prometheus.Counter
	migratedIn prometheus.Counter
	migratedOut prometheus.Counter
}

// NewPromListener registers (or re-uses, if already registered under
// reg) the four element-lifecycle counters for one collection proxy
// label and returns a Listener callback ready to pass to
// Holder.AddListener.
func NewPromListener(reg prometheus.Registerer, proxyLabel string) (*PromListener, Listener) {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"collection": proxyLabel},
		})
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector.(prometheus.Counter)
			}
		}
		return c
	}
	pl := &PromListener{
		created:     mk("vt_elements_created_total", "elements created"),
		destroyed:   mk("vt_elements_destroyed_total", "elements destroyed"),
		migratedIn:  mk("vt_elements_migrated_in_total", "elements migrated in"),
		migratedOut: mk("vt_elements_migrated_out_total", "elements migrated out"),
	}
	return pl, pl.onEvent
}

func (p *PromListener) onEvent(event EventKind, _ core.Index, _ int) {
	switch event {
	case EventCreate:
		p.created.Inc()
	case EventDestroy:
		p.destroyed.Inc()
	case EventMigrateIn:
		p.migratedIn.Inc()
	case EventMigrateOut:
		p.migratedOut.Inc()
	}
}
