package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "frame_build_info",
			Help:        "Build information for the frame server",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	framesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_frames_released_total",
			Help: "Frames broadcast to peers",
		},
		[]string{"mode"},
	)

	currentFrame = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frame_current",
			Help: "Frame number the room is collecting commands for",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_commands_total",
			Help: "Commands accepted into frame buckets",
		},
		[]string{"origin"},
	)

	bucketContributors = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "frame_bucket_contributors",
			Help:    "Peers with an entry in a released frame bucket, the server included",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 32},
		},
	)

	releaseInterval = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "frame_release_interval_seconds",
			Help:    "Wall time between consecutive frame releases",
			Buckets: []float64{.02, .05, .08, .1, .12, .15, .2, .3, .5, 1, 2},
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frame_sessions_active",
			Help: "Sessions currently registered",
		},
	)

	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frame_sessions_total",
			Help: "Streams accepted",
		},
	)

	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_disconnects_total",
			Help: "Sessions torn down, by reason",
		},
		[]string{"reason"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_messages_total",
			Help: "Protocol messages by name and direction",
		},
		[]string{"message", "direction"},
	)

	datagramsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_datagrams_dropped_total",
			Help: "Inbound datagrams discarded, by reason",
		},
		[]string{"reason"},
	)

	violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_protocol_violations_total",
			Help: "Protocol violations logged by the synchronizer",
		},
		[]string{"kind"},
	)

	serializationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_serialization_errors_total",
			Help: "Message bodies that failed to decode",
		},
		[]string{"message"},
	)

	arqPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frame_arq_peers",
			Help: "Open ARQ state machines",
		},
	)

	pings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frame_pings_total",
			Help: "Ping datagrams echoed",
		},
	)

	queueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_queue_dropped_total",
			Help: "Events dropped because a pump queue was full",
		},
		[]string{"queue"},
	)
)

// Register registers every collector with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		buildInfo, framesReleased, currentFrame, commandsTotal, bucketContributors,
		releaseInterval, sessionsActive, sessionsTotal, disconnects, messages,
		datagramsDropped, violations, serializationErrors, arqPeers, pings, queueDropped,
	)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordFrameReleased counts a broadcast frame.
func RecordFrameReleased(mode string, frame int64, contributors int, sinceLast time.Duration) {
	framesReleased.WithLabelValues(mode).Inc()
	currentFrame.Set(float64(frame + 1))
	bucketContributors.Observe(float64(contributors))
	if sinceLast > 0 {
		releaseInterval.Observe(sinceLast.Seconds())
	}
}

// ResetFrame records that the room left the frame loop.
func ResetFrame() { currentFrame.Set(0) }

// RecordCommands counts commands accepted from origin ("client" or "server").
func RecordCommands(origin string, n int) {
	if n > 0 {
		commandsTotal.WithLabelValues(origin).Add(float64(n))
	}
}

// SessionOpened counts an accepted stream.
func SessionOpened() {
	sessionsTotal.Inc()
	sessionsActive.Inc()
}

// SessionClosed counts a torn down session.
func SessionClosed(reason string) {
	sessionsActive.Dec()
	disconnects.WithLabelValues(reason).Inc()
}

// RecordMessage counts a protocol message; direction is "in" or "out".
func RecordMessage(name, direction string) {
	messages.WithLabelValues(name, direction).Inc()
}

// RecordDatagramDropped counts a discarded datagram.
func RecordDatagramDropped(reason string) {
	datagramsDropped.WithLabelValues(reason).Inc()
}

// RecordViolation counts a protocol violation.
func RecordViolation(kind string) {
	violations.WithLabelValues(kind).Inc()
}

// RecordSerializationError counts an undecodable body.
func RecordSerializationError(message string) {
	serializationErrors.WithLabelValues(message).Inc()
}

// SetARQPeers sets the number of open ARQ peers.
func SetARQPeers(n int) { arqPeers.Set(float64(n)) }

// RecordPing counts an echoed ping.
func RecordPing() { pings.Inc() }

// RecordQueueDropped counts events refused by a full queue.
func RecordQueueDropped(queue string) {
	queueDropped.WithLabelValues(queue).Inc()
}
