package connectivity

import (
	"context"
	"time"
)

// Pinger checks whether the remote answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeSource reports online while the remote answers health checks.
type ProbeSource struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewProbeSource creates a ProbeSource that pings every interval. Each ping is
// bounded by timeout, or by interval when timeout is zero.
func NewProbeSource(p Pinger, interval, timeout time.Duration) *ProbeSource {
	if timeout <= 0 {
		timeout = interval
	}
	return &ProbeSource{pinger: p, interval: interval, timeout: timeout}
}

func (s *ProbeSource) Name() string { return "probe" }

// Run probes immediately and then on every tick.
func (s *ProbeSource) Run(ctx context.Context, report func(online bool)) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.pinger.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		report(err == nil)

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
