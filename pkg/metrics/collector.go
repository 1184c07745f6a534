package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace = "tftpd"
	subsystemSession = "session"
)

// SessionCollector tracks TFTP transfer statistics for the server, or for a
// single download on the client side, and exposes them via Prometheus
// collectors.
type SessionCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime       time.Time
	sessionsStarted uint64
	activeSessions  int64
	bytesSent       uint64
	bytesRetransmit uint64
	bytesReceived   uint64
	packetsSent     uint64
	retransmissions uint64
	errorPackets    uint64
	outcomes        map[string]uint64

	finished *prometheus.CounterVec
	duration prometheus.Histogram
}

type Snapshot struct {
	Elapsed         time.Duration
	SessionsStarted uint64
	ActiveSessions  int64
	BytesSent       uint64
	BytesRetransmit uint64
	BytesReceived   uint64
	PacketsSent     uint64
	Retransmissions uint64
	ErrorPackets    uint64
	Outcomes        map[string]uint64
	ThroughputBps   float64
	GoodputBps      float64
	ThroughputMbps  float64
	GoodputMbps     float64
	RetransmitRate  float64
}

func NewSessionCollector(namespace string) *SessionCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	sc := &SessionCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		outcomes:  make(map[string]uint64),
	}
	sc.registerMetrics()
	return sc
}

func (c *SessionCollector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *SessionCollector) ObserveSessionStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureStartTimeLocked()
	c.sessionsStarted++
	c.activeSessions++
}

// ObserveSessionFinish records a terminated session under outcome, e.g.
// "completed" or "retries_exhausted".
func (c *SessionCollector) ObserveSessionFinish(outcome string, d time.Duration) {
	c.mu.Lock()
	c.activeSessions--
	c.outcomes[outcome]++
	c.mu.Unlock()

	c.finished.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.duration.Observe(d.Seconds())
	}
}

// ObserveSend records a DATA payload. Retransmitted bytes are counted apart so
// goodput can be told from throughput.
func (c *SessionCollector) ObserveSend(bytes int, retransmit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.packetsSent++
	if retransmit {
		c.retransmissions++
		c.bytesRetransmit += uint64(bytes)
		return
	}
	c.bytesSent += uint64(bytes)
}

func (c *SessionCollector) ObserveErrorPacket() {
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.packetsSent++
	c.errorPackets++
	c.mu.Unlock()
}

// ObserveBytesReceived records payload bytes a client wrote out. Writers do
// not see block boundaries, so only bytes are counted.
func (c *SessionCollector) ObserveBytesReceived(bytes int) {
	if bytes < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.bytesReceived += uint64(bytes)
}

func (c *SessionCollector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *SessionCollector) buildSnapshotLocked(now time.Time) Snapshot {
	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}

	primary := c.bytesSent
	if c.bytesReceived > primary {
		primary = c.bytesReceived
	}
	throughput := rateFromBytes(primary+c.bytesRetransmit, elapsed)
	goodput := rateFromBytes(primary, elapsed)

	var retransRatio float64
	if total := c.bytesSent + c.bytesRetransmit; total > 0 {
		retransRatio = float64(c.bytesRetransmit) / float64(total)
	}

	outcomes := make(map[string]uint64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}

	return Snapshot{
		Elapsed:         elapsed,
		SessionsStarted: c.sessionsStarted,
		ActiveSessions:  c.activeSessions,
		BytesSent:       c.bytesSent,
		BytesRetransmit: c.bytesRetransmit,
		BytesReceived:   c.bytesReceived,
		PacketsSent:     c.packetsSent,
		Retransmissions: c.retransmissions,
		ErrorPackets:    c.errorPackets,
		Outcomes:        outcomes,
		ThroughputBps:   throughput,
		GoodputBps:      goodput,
		ThroughputMbps:  throughput * 8 / 1e6,
		GoodputMbps:     goodput * 8 / 1e6,
		RetransmitRate:  retransRatio,
	}
}

func (c *SessionCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemSession,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(name, help string, valueFn func(Snapshot) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemSession,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(valueFn(c.buildSnapshotLocked(time.Now())))
		})
	}

	c.finished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSession,
		Name:      "finished_total",
		Help:      "Sessions that reached the final state, by outcome.",
	}, []string{"outcome"})
	c.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSession,
		Name:      "duration_seconds",
		Help:      "Time from the first request datagram to the final state.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	})
	c.registry.MustRegister(c.finished, c.duration)

	c.registry.MustRegister(makeGauge(
		"active",
		"Sessions currently in flight.",
		func(s Snapshot) float64 { return float64(s.ActiveSessions) },
	))
	c.registry.MustRegister(makeGauge(
		"throughput_bytes_per_second",
		"Data rate including retransmissions.",
		func(s Snapshot) float64 { return s.ThroughputBps },
	))
	c.registry.MustRegister(makeGauge(
		"goodput_bytes_per_second",
		"Data rate excluding retransmissions.",
		func(s Snapshot) float64 { return s.GoodputBps },
	))
	c.registry.MustRegister(makeGauge(
		"retransmission_ratio",
		"Ratio of retransmitted bytes to total transmitted bytes.",
		func(s Snapshot) float64 { return s.RetransmitRate },
	))

	c.registry.MustRegister(makeCounter(
		"started_total",
		"Sessions created for new client endpoints.",
		func(s Snapshot) uint64 { return s.SessionsStarted },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_sent_total",
		"DATA payload bytes sent, first transmissions only.",
		func(s Snapshot) uint64 { return s.BytesSent },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_retransmitted_total",
		"DATA payload bytes resent after a retransmit timeout.",
		func(s Snapshot) uint64 { return s.BytesRetransmit },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_received_total",
		"DATA payload bytes received.",
		func(s Snapshot) uint64 { return s.BytesReceived },
	))
	c.registry.MustRegister(makeCounter(
		"packets_sent_total",
		"DATA and ERROR packets sent.",
		func(s Snapshot) uint64 { return s.PacketsSent },
	))
	c.registry.MustRegister(makeCounter(
		"retransmissions_total",
		"Retransmit timer expiries that resent a block.",
		func(s Snapshot) uint64 { return s.Retransmissions },
	))
	c.registry.MustRegister(makeCounter(
		"error_packets_total",
		"ERROR packets sent to peers.",
		func(s Snapshot) uint64 { return s.ErrorPackets },
	))
}

func (c *SessionCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
