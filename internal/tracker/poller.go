package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	trkerrors "github.com/remediate-run/remedy/internal/errors"
	"github.com/remediate-run/remedy/internal/models"
)

// PollerConfig bounds a polling session. The attempt and elapsed ceilings
// are product-tuned defaults, kept configurable on purpose.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
}

// DefaultPollerConfig returns the production polling cadence.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:    5 * time.Second,
		MaxAttempts: 100,
		MaxElapsed:  8 * time.Minute,
	}
}

// DevPollerConfig returns the tighter development cadence.
func DevPollerConfig() PollerConfig {
	cfg := DefaultPollerConfig()
	cfg.Interval = 2 * time.Second
	return cfg
}

func (c PollerConfig) withDefaults() PollerConfig {
	def := DefaultPollerConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = def.MaxElapsed
	}
	return c
}

// poller drives periodic status queries for one batch. It goes inert the
// moment the job reaches a terminal state and is torn down with the
// tracker.
type poller struct {
	cfg     PollerConfig
	backend Backend
	apply   func(models.Update) ApplyOutcome
	timeout func() // invoked when a ceiling is exceeded
	metrics *Metrics

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int
}

func newPoller(cfg PollerConfig, backend Backend, apply func(models.Update) ApplyOutcome, timeout func(), metrics *Metrics) *poller {
	return &poller{
		cfg:     cfg.withDefaults(),
		backend: backend,
		apply:   apply,
		timeout: timeout,
		metrics: metrics,
	}
}

// Start begins polling in the background. A second Start while running is
// a no-op.
func (p *poller) Start(ctx context.Context, batchID string) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.attempts = 0
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.run(ctx, batchID)
	}()
}

// Stop halts polling and waits for the loop to exit.
func (p *poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

// Attempts returns how many polls the current session has made.
func (p *poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *poller) run(ctx context.Context, batchID string) {
	started := time.Now()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Debug().
		Str("batch_id", batchID).
		Dur("interval", p.cfg.Interval).
		Int("max_attempts", p.cfg.MaxAttempts).
		Msg("Polling started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		p.attempts++
		attempts := p.attempts
		p.mu.Unlock()

		if attempts > p.cfg.MaxAttempts || time.Since(started) > p.cfg.MaxElapsed {
			log.Warn().
				Str("batch_id", batchID).
				Int("attempts", attempts-1).
				Dur("elapsed", time.Since(started)).
				Msg("Polling ceiling exceeded, marking batch timed out")
			p.timeout()
			return
		}

		pollStart := time.Now()
		st, err := p.backend.PollBatchStatus(ctx, batchID)
		if p.metrics != nil {
			p.metrics.pollDuration.Observe(time.Since(pollStart).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.metrics != nil {
				p.metrics.pollsTotal.WithLabelValues("error").Inc()
			}
			// Network trouble keeps the loop alive up to the ceilings;
			// everything else is logged and retried the same way.
			log.Debug().
				Err(err).
				Str("batch_id", batchID).
				Bool("network", trkerrors.TypeOf(err) == trkerrors.ErrorTypeNetwork).
				Int("attempt", attempts).
				Msg("Status poll failed")
			continue
		}

		if p.metrics != nil {
			p.metrics.pollsTotal.WithLabelValues("success").Inc()
		}
		outcome := p.apply(models.UpdateFromStatus(st))
		if outcome.Terminal {
			log.Info().
				Str("batch_id", batchID).
				Str("status", string(st.Status)).
				Int("attempts", attempts).
				Msg("Batch reached terminal state, polling stopped")
			return
		}
	}
}
