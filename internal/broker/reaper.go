package broker

import (
	"context"
	"log/slog"
	"time"
)

// ReaperConfig tunes the periodic scan's teardown thresholds. Tests
// inject a zero grace period to exercise the short-idle rule without
// waiting out the production default.
type ReaperConfig struct {
	TickInterval    time.Duration
	GracePeriod     time.Duration
	LongIdleTimeout time.Duration
	ShortIdleTimeout time.Duration
}

// DefaultReaperConfig returns the production timings.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		TickInterval:     60 * time.Second,
		GracePeriod:      30 * time.Second,
		LongIdleTimeout:  5 * time.Minute,
		ShortIdleTimeout: 10 * time.Second,
	}
}

// teardownFunc tears a single channel down; supplied by the Broker so the
// reaper never needs to know about port allocation or supervisors
// directly.
type teardownFunc func(ch *Channel, reason string)

// Reaper periodically scans the registry for zombie and idle channels
// and tears them down. Grounded on the cleanup-loop pattern used
// throughout the relay package: a ticker goroutine with cooperative
// cancellation that reads state under lock and acts outside it.
type Reaper struct {
	logger   *slog.Logger
	registry *ChannelRegistry
	config   ReaperConfig
	teardown teardownFunc

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewReaper constructs a reaper bound to the given registry. It does not
// start scanning until Start is called.
func NewReaper(logger *slog.Logger, registry *ChannelRegistry, config ReaperConfig, teardown teardownFunc) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		logger:   logger,
		registry: registry,
		config:   config,
		teardown: teardown,
	}
}

// Start begins the periodic scan loop.
func (r *Reaper) Start(ctx context.Context) {
	scanCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	go r.loop(scanCtx)
}

// Stop cancels the scan loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.doneCh != nil {
		<-r.doneCh
	}
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick runs one scan-and-teardown pass. Exposed for tests that want to
// force a pass without waiting for the ticker.
func (r *Reaper) tick() {
	now := time.Now()
	for _, ch := range r.registry.All() {
		if reason, shouldTeardown := r.evaluate(ch, now); shouldTeardown {
			r.logger.Info("reaper: tearing down channel",
				slog.String("channel_key", string(ch.Key)),
				slog.String("reason", reason))
			r.teardown(ch, reason)
		}
	}
}

// evaluate applies the teardown rules in order, returning the first rule
// that matches.
func (r *Reaper) evaluate(ch *Channel, now time.Time) (reason string, shouldTeardown bool) {
	if now.Sub(ch.CreatedAt()) < r.config.GracePeriod {
		return "", false
	}

	if !ch.IsAlive() {
		return "dead_producer", true
	}

	subs := ch.SubscriberCount()
	idleDuration := now.Sub(ch.LastAccessAt())

	if subs == 0 && idleDuration > r.config.LongIdleTimeout {
		return "long_idle", true
	}

	if subs == 0 && idleDuration > r.config.ShortIdleTimeout {
		return "short_idle", true
	}

	return "", false
}
