// Package metrics holds the runtime's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts outbound active messages, including self-sends.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgas_am_sent_total",
		Help: "Active messages issued by this PE.",
	})

	// MessagesExecuted counts handler executions on this PE.
	MessagesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgas_am_executed_total",
		Help: "Active message handlers executed on this PE.",
	})

	// HandlerFaults counts handler panics recovered by the scheduler.
	HandlerFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgas_am_handler_faults_total",
		Help: "Handler executions that faulted and were isolated.",
	})

	// BarrierEpochs counts completed team barriers.
	BarrierEpochs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgas_barrier_epochs_total",
		Help: "Barriers this PE has completed.",
	})

	// PoolGrowths counts collective memory-pool growth rounds. Growth is
	// expensive; a climbing value means the initial pool size is wrong.
	PoolGrowths = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgas_pool_growths_total",
		Help: "Collective registered-pool growth rounds.",
	})

	// PoolRegions tracks registered regions held by this PE.
	PoolRegions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgas_pool_regions",
		Help: "Registered memory regions currently held.",
	})

	// LiveDarcs tracks Darcs with a nonzero local count on this PE.
	LiveDarcs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgas_darc_live",
		Help: "Darc handles with live local references.",
	})
)
