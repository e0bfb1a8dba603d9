package limahttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lima",
		Name:      "acquisitions_started_total",
		Help:      "Acquisitions prepared and started over this interface.",
	})
	framesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lima",
		Name:      "frames_delivered_total",
		Help:      "Frames pulled from the device and handed to clients.",
	})
	referencesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lima",
		Name:      "references_emitted_total",
		Help:      "Save-file references emitted to clients.",
	})
	deviceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lima",
		Name:      "device_errors_total",
		Help:      "Errors talking to the LimaCCDs device.",
	})
)
