package torrent

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type sessionMetrics struct {
	registry metrics.Registry

	Torrents        metrics.Gauge
	MagnetsInFlight metrics.Gauge
	PendingAdds     metrics.Gauge
	RestoreQueue    metrics.Gauge
	Uptime          metrics.Gauge
	SpeedDownload   metrics.Gauge
	SpeedUpload     metrics.Gauge
	RestoreFailures metrics.Counter
	ResumeWrites    metrics.Meter
	StreamBytes     metrics.Meter
}

func (s *Session) initMetrics() {
	r := metrics.NewRegistry()
	s.metrics = &sessionMetrics{
		registry: r,

		Uptime: metrics.NewRegisteredFunctionalGauge("uptime", r, func() int64 { return int64(time.Since(s.createdAt) / time.Second) }),
		Torrents: metrics.NewRegisteredFunctionalGauge("torrents", r, func() int64 {
			s.m.RLock()
			defer s.m.RUnlock()
			return int64(len(s.torrents))
		}),
		MagnetsInFlight: metrics.NewRegisteredFunctionalGauge("magnets_in_flight", r, func() int64 { return int64(s.magnets.inFlight()) }),
		PendingAdds:     metrics.NewRegisteredFunctionalGauge("pending_adds", r, func() int64 { return int64(s.pendingAdds()) }),
		RestoreQueue:    metrics.NewRegisteredFunctionalGauge("restore_queue", r, func() int64 { return s.restoreQueue.Load() }),
		SpeedDownload: metrics.NewRegisteredFunctionalGauge("speed_download", r, func() int64 {
			d, _ := s.speed()
			return d
		}),
		SpeedUpload: metrics.NewRegisteredFunctionalGauge("speed_upload", r, func() int64 {
			_, u := s.speed()
			return u
		}),
		RestoreFailures: metrics.NewRegisteredCounter("restore_failures", r),
		ResumeWrites:    metrics.NewRegisteredMeter("resume_writes", r),
		StreamBytes:     metrics.NewRegisteredMeter("stream_bytes", r),
	}
}

func (m *sessionMetrics) Close() {
	m.ResumeWrites.Stop()
	m.StreamBytes.Stop()
}
