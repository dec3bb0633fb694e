package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backwardTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_backward_tasks_total",
		Help: "Backward requests finished, by terminal status",
	}, []string{"status"})

	nodesExecutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_backward_nodes_executed_total",
		Help: "Graph nodes whose apply ran during backward passes",
	})
)
