package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sessions_active",
		Help: "The current number of authenticated sessions on this node.",
	})
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_logins_total",
		Help: "The total number of login attempts by outcome.",
	}, []string{"result"})

	// Routing metrics
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_routed_total",
		Help: "The total number of messages routed by delivery path.",
	}, []string{"route"}) // local, remote, offline
	RemoteDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_remote_envelopes_delivered_total",
		Help: "The total number of inbound cross-node envelopes processed.",
	})

	// Backpressure / dependency health
	WorkerRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_worker_rejected_total",
		Help: "The total number of requests rejected by the worker pool.",
	})
	PresenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_errors_total",
		Help: "The total number of failed presence store round trips.",
	})

	// Broker metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broker_messages_published_total",
		Help: "The total number of envelopes published to peer nodes.",
	}, []string{"broker_type"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Info("starting metrics server", zap.String("addr", addr), zap.String("path", path))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}
