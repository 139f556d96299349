package audio

import (
	"sync"
	"time"
)

// Metrics counts pipeline activity for one session. Both stages may share one
// instance.
type Metrics struct {
	mu sync.RWMutex

	framesCaptured  uint64
	framesMuted     uint64
	bytesEncoded    uint64
	chunksBuffered  uint64
	chunksDropped   uint64
	samplesRendered uint64
	deviceSwaps     uint64
	startTime       time.Time
}

// NewMetrics starts the uptime clock.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) recordFrame(size int, muted bool) {
	m.mu.Lock()
	m.framesCaptured++
	m.bytesEncoded += uint64(size)
	if muted {
		m.framesMuted++
	}
	m.mu.Unlock()
}

func (m *Metrics) recordBuffered() {
	m.mu.Lock()
	m.chunksBuffered++
	m.mu.Unlock()
}

func (m *Metrics) recordDropped(n int) {
	m.mu.Lock()
	m.chunksDropped += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) recordRendered(n int) {
	m.mu.Lock()
	m.samplesRendered += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) recordSwap() {
	m.mu.Lock()
	m.deviceSwaps++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of metrics for logging.
type MetricsSnapshot struct {
	FramesCaptured  uint64
	FramesMuted     uint64
	BytesEncoded    uint64
	ChunksBuffered  uint64
	ChunksDropped   uint64
	SamplesRendered uint64
	DeviceSwaps     uint64
	Uptime          time.Duration
}

// Snapshot returns a consistent copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		FramesCaptured:  m.framesCaptured,
		FramesMuted:     m.framesMuted,
		BytesEncoded:    m.bytesEncoded,
		ChunksBuffered:  m.chunksBuffered,
		ChunksDropped:   m.chunksDropped,
		SamplesRendered: m.samplesRendered,
		DeviceSwaps:     m.deviceSwaps,
		Uptime:          time.Since(m.startTime),
	}
}
