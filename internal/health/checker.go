package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Pinger is the probe target. ledgerstore.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusFunc is called whenever the healthy/unhealthy state flips.
type StatusFunc func(serving bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker periodically pings the ledger store. The store is reported
// unhealthy until the first successful probe, and again after FailThreshold
// consecutive failures.
type Checker struct {
	pinger    Pinger
	cfg       Config
	healthy   atomic.Bool
	mu        sync.Mutex
	failures  int
	onStatus  StatusFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(pinger Pinger, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{pinger: pinger, cfg: cfg, logger: logger}
}

// SetStatusHook configures the state-transition callback.
func (h *Checker) SetStatusHook(fn StatusFunc) {
	h.onStatus = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Healthy reports the current state.
func (h *Checker) Healthy() bool {
	return h.healthy.Load()
}

// Start probes immediately and then every CheckInterval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	h.Check(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check runs a single probe and returns the resulting state.
func (h *Checker) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	err := h.pinger.Ping(pctx)
	cancel()

	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	was := h.healthy.Load()
	now := was
	if success {
		h.failures = 0
		now = true
	} else {
		h.failures++
		h.logger.Warn("health: store ping failed",
			zap.Int("fail_count", h.failures),
			zap.Error(err),
		)
		if h.failures >= h.cfg.FailThreshold {
			now = false
		}
	}

	if now != was {
		h.healthy.Store(now)
		if now {
			h.logger.Info("health: store reachable")
		} else {
			h.logger.Warn("health: store degraded", zap.Int("fail_count", h.failures))
		}
		if h.onStatus != nil {
			h.onStatus(now)
		}
	}
	return now
}
