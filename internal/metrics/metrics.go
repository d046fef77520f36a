// Package metrics 匯出 Prometheus 指標
//
// 每個 Metrics 持有自己的 Registry，測試中可以建立多個互不干擾的實例。
// 所有方法都接受 nil 接收者，元件不設定指標時不需要額外判斷。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 投遞方式標籤
const (
	DeliveryLocal   = "local"
	DeliveryRelayed = "relayed"
	DeliveryUDP     = "udp"
)

// 對局結果標籤
const (
	OutcomeMatched   = "matched"
	OutcomeStarted   = "started"
	OutcomeDisbanded = "disbanded"
	OutcomeExited    = "exited"
	OutcomeEnded     = "ended"
)

// Metrics 群組伺服器指標
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	connectionsTotal prometheus.Counter
	messagesIn       prometheus.Counter
	messagesOut      *prometheus.CounterVec
	sendFailures     prometheus.Counter
	publishFailures  prometheus.Counter
	matches          *prometheus.CounterVec
	queueSize        prometheus.Gauge
	activeSyncs      prometheus.Gauge
	stateTicks       prometheus.Counter
	udpPeers         prometheus.Gauge
}

// New 創建並註冊所有指標
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live sockets held by this instance.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Sockets accepted since start.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Messages received from local sockets.",
		}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages sent, by delivery mode.",
		}, []string{"mode"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_failures_total",
			Help: "Local socket writes that failed.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_publish_failures_total",
			Help: "Relay publishes dropped because the bus was unreachable.",
		}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "matches_total",
			Help: "Match lifecycle transitions, by outcome.",
		}, []string{"outcome"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "matchmaking_queue_size",
			Help: "Clients in the queue group at the last formation tick.",
		}),
		activeSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state_synchronizers",
			Help: "Running state synchronizers on this instance.",
		}),
		stateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_ticks_total",
			Help: "State update pushes.",
		}),
		udpPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "udp_peers",
			Help: "Known UDP peers.",
		}),
	}

	reg.MustRegister(
		m.connections, m.connectionsTotal, m.messagesIn, m.messagesOut,
		m.sendFailures, m.publishFailures, m.matches, m.queueSize,
		m.activeSyncs, m.stateTicks, m.udpPeers,
	)
	return m
}

// Handler /metrics 端點
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 底層 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
}

func (m *Metrics) MessageSent(mode string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(mode).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) Match(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueSize(n int) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(n))
}

func (m *Metrics) SyncStarted() {
	if m == nil {
		return
	}
	m.activeSyncs.Inc()
}

func (m *Metrics) SyncStopped() {
	if m == nil {
		return
	}
	m.activeSyncs.Dec()
}

func (m *Metrics) StateTick() {
	if m == nil {
		return
	}
	m.stateTicks.Inc()
}

func (m *Metrics) UDPPeers(n int) {
	if m == nil {
		return
	}
	m.udpPeers.Set(float64(n))
}
