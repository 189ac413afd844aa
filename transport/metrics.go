package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_transport_sends_total",
		Help: "Outgoing envelopes written, by event name.",
	}, []string{"event"})

	receives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_transport_receives_total",
		Help: "Inbound envelopes decoded, by event name.",
	}, []string{"event"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_transport_reconnect_attempts_total",
		Help: "Reconnect attempts after a connection drop.",
	})

	droppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_transport_dropped_sends_total",
		Help: "Sends dropped because the channel was not open.",
	})
)
