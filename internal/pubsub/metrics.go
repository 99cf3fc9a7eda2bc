package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tms",
	Subsystem: "pub_sub",
	Name:      "total_subscribers",
	Help:      "Total number of subscribers",
})
