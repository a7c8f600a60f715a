package callkit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type QualityLevel string

const (
	QualityUnknown QualityLevel = "unknown"
	QualityGood    QualityLevel = "good"
	QualityFair    QualityLevel = "fair"
	QualityPoor    QualityLevel = "poor"
)

// QualitySnapshot is one sample of call health, derived from the nominated
// ICE candidate pair and the remote-track packet accounting.
type QualitySnapshot struct {
	Level           QualityLevel
	RTT             time.Duration
	PacketsReceived uint64
	PacketsLost     uint64
	SampledAt       time.Time
}

// StatsSource is implemented by connections that can report platform stats.
// Fake connections used in tests do not, and the monitor is simply not
// started for them.
type StatsSource interface {
	StatsReport() webrtc.StatsReport
	PacketStats() (received, lost uint64)
}

type QualityMonitor struct {
	source StatsSource
	logger *slog.Logger

	mux    sync.Mutex
	latest QualitySnapshot

	once   sync.Once
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

func NewQualityMonitor(ctx context.Context, source StatsSource, interval time.Duration, logger *slog.Logger) *QualityMonitor {
	if logger == nil {
		logger = slog.Default()
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	m := &QualityMonitor{
		source: source,
		logger: logger.With("component", "quality-monitor"),
		latest: QualitySnapshot{Level: QualityUnknown},
		ctx:    ctx2,
		cancel: cancel2,
	}

	m.wg.Add(1)
	go m.loop(interval)
	return m
}

func (m *QualityMonitor) loop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			snapshot := m.sample()

			m.mux.Lock()
			m.latest = snapshot
			m.mux.Unlock()

			if snapshot.Level == QualityPoor {
				m.logger.Warn("call quality degraded",
					"rtt", snapshot.RTT,
					"packets-received", snapshot.PacketsReceived,
					"packets-lost", snapshot.PacketsLost)
			}
		}
	}
}

func (m *QualityMonitor) sample() QualitySnapshot {
	received, lost := m.source.PacketStats()

	snapshot := QualitySnapshot{
		PacketsReceived: received,
		PacketsLost:     lost,
		SampledAt:       time.Now(),
	}

	for _, stat := range m.source.StatsReport() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		snapshot.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		break
	}

	snapshot.Level = classifyQuality(snapshot.RTT, received, lost)
	return snapshot
}

func classifyQuality(rtt time.Duration, received, lost uint64) QualityLevel {
	if rtt == 0 && received == 0 {
		return QualityUnknown
	}

	var lossRatio float64
	if total := received + lost; total > 0 {
		lossRatio = float64(lost) / float64(total)
	}

	switch {
	case rtt > 400*time.Millisecond || lossRatio > 0.10:
		return QualityPoor
	case rtt > 200*time.Millisecond || lossRatio > 0.03:
		return QualityFair
	default:
		return QualityGood
	}
}

// Latest returns the most recent snapshot. Before the first tick the level
// is QualityUnknown.
func (m *QualityMonitor) Latest() QualitySnapshot {
	m.mux.Lock()
	defer m.mux.Unlock()

	return m.latest
}

func (m *QualityMonitor) Close() error {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}

		m.wg.Wait()
	})

	return nil
}
