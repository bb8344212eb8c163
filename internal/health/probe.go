package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ProbeFunc checks one dependency; nil means healthy.
type ProbeFunc func(ctx context.Context) error

// ProbeChecker is a component checker driven by a probe function with a
// bounded per-probe timeout. It starts unhealthy until the first successful
// probe.
type ProbeChecker struct {
	name         string
	probe        ProbeFunc
	healthy      atomic.Int32
	log          zerolog.Logger
	probeTimeout time.Duration
}

func NewProbeChecker(name string, probe ProbeFunc, log zerolog.Logger, probeTimeout time.Duration) *ProbeChecker {
	pc := &ProbeChecker{
		name:         name,
		probe:        probe,
		log:          log,
		probeTimeout: probeTimeout,
	}
	pc.healthy.Store(0)
	return pc
}

func (pc *ProbeChecker) Name() string { return pc.name }

// IsHealthy returns the cached health status (non-blocking).
func (pc *ProbeChecker) IsHealthy() bool { return pc.healthy.Load() == 1 }

// Start begins periodic health checking.
func (pc *ProbeChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		to := pc.probeTimeout
		if to <= 0 {
			to = 2 * time.Second
		}
		checkCtx, cancel := context.WithTimeout(ctx, to)
		defer cancel()

		if err := pc.probe(checkCtx); err != nil {
			pc.healthy.Store(0)
			pc.log.Error().Str("checker", pc.name).Err(err).Msg("health probe failed")
			return
		}
		pc.healthy.Store(1)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
