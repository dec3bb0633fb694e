package distributed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	contextsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_dist_pass_contexts",
		Help: "Distributed pass contexts currently held by this worker",
	})

	gradMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_dist_gradient_messages_sent_total",
		Help: "Gradient messages relayed to other workers",
	})

	gradMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_dist_gradient_messages_received_total",
		Help: "Gradient messages received from other workers",
	})
)
