package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// BrokerConfig holds the operator-facing configuration for a Broker.
type BrokerConfig struct {
	// TranscoderBinary is the path to the transcoder executable. Required.
	TranscoderBinary string

	// AdvertisedHost, AdvertisedPort, and BasePath form the endpoint hint
	// returned by Start: ws://{host}:{port}{base_path}/{channel_key}.
	AdvertisedHost string
	AdvertisedPort int
	BasePath       string

	// PortRangeStart and PortRangeEnd bound the half-open loopback range
	// the port allocator leases from. Zero values fall back to the
	// allocator's own defaults.
	PortRangeStart int
	PortRangeEnd   int

	// StartupProbeDelay is how long Start waits before checking whether
	// the freshly spawned subprocess is still alive.
	StartupProbeDelay time.Duration

	// ExitFlushWait and ExitDrainPoll bound the exit-driven teardown
	// timeline: wait for late bytes to flush, then poll for subscribers
	// to drain.
	ExitFlushWait    time.Duration
	ExitDrainTimeout time.Duration
	ExitDrainPoll    time.Duration

	Reaper ReaperConfig
}

// DefaultBrokerConfig returns production defaults; callers must still set
// TranscoderBinary.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		AdvertisedHost:    "127.0.0.1",
		AdvertisedPort:    8080,
		BasePath:          "/streams",
		PortRangeStart:    defaultPortRangeStart,
		PortRangeEnd:      defaultPortRangeEnd,
		StartupProbeDelay: 100 * time.Millisecond,
		ExitFlushWait:     3 * time.Second,
		ExitDrainTimeout:  30 * time.Second,
		ExitDrainPoll:     time.Second,
		Reaper:            DefaultReaperConfig(),
	}
}

func (c BrokerConfig) validate() error {
	if c.TranscoderBinary == "" {
		return fmt.Errorf("%w: transcoder binary path is required", ErrInvalidConfiguration)
	}
	return nil
}

// StartResult is the outcome of a successful Start call.
type StartResult struct {
	ChannelKey   ChannelKey
	EndpointHint string
	LocalPort    int
	Reused       bool
}

// Broker is the public facade over the transcoder channel registry: it
// wires together the port allocator, process supervisor, fan-out
// pipeline, and reaper behind a small operation set.
type Broker struct {
	config   BrokerConfig
	logger   *slog.Logger
	metrics  *Metrics
	ports    *PortAllocator
	registry *ChannelRegistry
	reaper   *Reaper

	wg sync.WaitGroup
}

// NewBroker constructs a Broker. The reaper and its background scan are
// not started until the caller invokes StartReaper.
func NewBroker(config BrokerConfig, logger *slog.Logger, metrics *Metrics) (*Broker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(config.TranscoderBinary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscoderBinaryMissing, err)
	}

	rangeStart, rangeEnd := config.PortRangeStart, config.PortRangeEnd
	if rangeStart == 0 && rangeEnd == 0 {
		rangeStart, rangeEnd = defaultPortRangeStart, defaultPortRangeEnd
	}

	b := &Broker{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		ports:    NewPortAllocatorWithRange(logger, rangeStart, rangeEnd),
		registry: NewChannelRegistry(logger),
	}
	b.reaper = NewReaper(logger, b.registry, config.Reaper, b.teardown)
	return b, nil
}

// StartReaper begins the background reaper scan loop. Call once, after
// construction.
func (b *Broker) StartReaper(ctx context.Context) {
	b.reaper.Start(ctx)
}

// Start realizes a SourceDescriptor into a running (or reused) Channel.
func (b *Broker) Start(ctx context.Context, desc SourceDescriptor) (StartResult, error) {
	b.metrics.recordStart()
	key := desc.Fingerprint()

	lock := b.registry.lockForKey(key)
	lock.Lock()
	defer lock.Unlock()

	if ch, ok := b.registry.Lookup(key); ok {
		b.registry.BindSourceID(desc.CallerSourceID, key)
		return StartResult{
			ChannelKey:   key,
			EndpointHint: b.endpointHint(key),
			LocalPort:    ch.Port,
			Reused:       true,
		}, nil
	}

	return b.startMiss(ctx, desc, key)
}

// startMiss performs the transactional acquisition of a new Channel:
// port lease, listener bind, subprocess spawn. Any failure unwinds prior
// acquisitions in reverse order.
func (b *Broker) startMiss(ctx context.Context, desc SourceDescriptor, key ChannelKey) (StartResult, error) {
	port, err := b.ports.Lease(ctx)
	if err != nil {
		return StartResult{}, err
	}

	listener, err := newChannelListener(port)
	if err != nil {
		b.ports.Release(port)
		return StartResult{}, err
	}

	sourceURL := buildSourceURL(desc)
	builder := NewCommandBuilder(b.config.TranscoderBinary).
		Source(sourceURL).
		Dimensions(desc.Width, desc.Height).
		Target("127.0.0.1", port)
	args := builder.Build()

	ch := &Channel{
		Key:          key,
		Port:         port,
		Source:       desc,
		createdAt:    time.Now(),
		lastAccessAt: time.Now(),
	}
	ch.status = StatusStarting
	ch.listener = listener

	supervisor := NewProcessSupervisor(b.config.TranscoderBinary, args, b.logger, func(info ExitInfo) {
		b.onSupervisorExit(ch, info)
	})

	b.logger.Info("broker: spawning transcoder",
		slog.String("channel_key", string(key)),
		slog.String("command", builder.Preview()))

	if err := supervisor.Start(ctx); err != nil {
		listener.close()
		b.ports.Release(port)
		return StartResult{}, err
	}
	ch.supervisor = supervisor

	b.registry.Insert(ch, desc.CallerSourceID)

	go b.probeAndStartPipeline(ch)

	return StartResult{
		ChannelKey:   key,
		EndpointHint: b.endpointHint(key),
		LocalPort:    port,
		Reused:       false,
	}, nil
}

// probeAndStartPipeline waits a short delay to let the subprocess either
// crash immediately or settle, then transitions the channel to Running
// and starts its fan-out pipeline goroutine.
func (b *Broker) probeAndStartPipeline(ch *Channel) {
	time.Sleep(b.config.StartupProbeDelay)

	if !ch.IsAlive() {
		return
	}

	ch.setStatus(StatusRunning)

	pipeline := newFanoutPipeline(ch, ch.listener, b.logger)
	ch.mu.Lock()
	ch.pipeline = pipeline
	ch.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		pipeline.run()
	}()
}

// onSupervisorExit records the exit disposition and drives the
// exit-driven teardown timeline, independent of the reaper's tick.
func (b *Broker) onSupervisorExit(ch *Channel, info ExitInfo) {
	status := StatusExitedNormally
	if info.ExitCode != 0 {
		status = StatusExitedWithError
	}
	ch.setExitInfo(info)
	ch.setStatus(status)

	b.logger.Info("broker: transcoder exited",
		slog.String("channel_key", string(ch.Key)),
		slog.Int("exit_code", info.ExitCode))

	go b.drainAndTeardown(ch)
}

// drainAndTeardown waits a flush grace period, then polls for the
// subscriber count to reach zero before tearing down unconditionally.
func (b *Broker) drainAndTeardown(ch *Channel) {
	time.Sleep(b.config.ExitFlushWait)

	deadline := time.Now().Add(b.config.ExitDrainTimeout)
	for time.Now().Before(deadline) {
		if ch.SubscriberCount() == 0 {
			break
		}
		time.Sleep(b.config.ExitDrainPoll)
	}

	b.teardown(ch, "process_exit")
}

// Stop removes only the caller_source_id -> key mapping. It never forces
// teardown; the reaper and exit-driven teardown collect the channel on
// their own timelines.
func (b *Broker) Stop(callerSourceID string) {
	b.registry.UnbindSourceID(callerSourceID)
}

// Attach registers a subscriber sink with a channel's fan-out pipeline.
func (b *Broker) Attach(channelKey ChannelKey, sink Sink) (string, error) {
	ch, ok := b.registry.Lookup(channelKey)
	if !ok {
		return "", ErrChannelNotFound
	}

	sub := &Subscriber{
		ID:         newSubscriberID(),
		Sink:       sink,
		AttachedAt: time.Now(),
	}
	ch.attach(sub)
	return sub.ID, nil
}

// Detach removes a subscriber from a channel. The caller retains
// ownership of sink closure.
func (b *Broker) Detach(channelKey ChannelKey, subscriberID string) error {
	ch, ok := b.registry.Lookup(channelKey)
	if !ok {
		return ErrChannelNotFound
	}
	ch.detach(subscriberID)
	return nil
}

// Inspect returns a point-in-time snapshot of a channel, or nil if it no
// longer exists.
func (b *Broker) Inspect(channelKey ChannelKey) *Snapshot {
	ch, ok := b.registry.Lookup(channelKey)
	if !ok {
		return nil
	}
	snap := ch.snapshot()
	return &snap
}

// InspectAll returns snapshots of every live channel.
func (b *Broker) InspectAll() []Snapshot {
	channels := b.registry.All()
	out := make([]Snapshot, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.snapshot())
	}
	return out
}

// ShutdownAll force-tears-down every channel and stops the reaper.
func (b *Broker) ShutdownAll() {
	b.reaper.Stop()

	for _, ch := range b.registry.All() {
		b.teardown(ch, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("broker: pipelines did not all shut down within timeout")
	}
}

// teardown performs the idempotent release sequence: stop the pipeline
// and close the listener, kill the subprocess, release the port, remove
// the registry entry and every source-id mapping pointing at it. Safe to
// call more than once for the same channel.
func (b *Broker) teardown(ch *Channel, reason string) {
	ch.mu.Lock()
	pipeline := ch.pipeline
	ch.pipeline = nil
	listener := ch.listener
	supervisor := ch.supervisor
	port := ch.Port
	ch.mu.Unlock()

	if pipeline != nil {
		pipeline.stop()
	} else if listener != nil {
		listener.close()
	}

	if supervisor != nil {
		supervisor.Terminate()
	}

	b.ports.Release(port)
	b.registry.Remove(ch.Key)
	b.metrics.recordTeardown(reason)

	b.closeSubscriberSinks(ch)

	b.logger.Info("broker: channel torn down",
		slog.String("channel_key", string(ch.Key)),
		slog.String("reason", reason))
}

func (b *Broker) closeSubscriberSinks(ch *Channel) {
	ch.subsMu.Lock()
	subs := ch.subscribers
	ch.subscribers = nil
	ch.subsMu.Unlock()

	for _, s := range subs {
		if err := s.Sink.Close(); err != nil {
			b.logger.Debug("broker: error closing subscriber sink on teardown",
				slog.String("subscriber_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (b *Broker) endpointHint(key ChannelKey) string {
	return fmt.Sprintf("ws://%s:%d%s/%s", b.config.AdvertisedHost, b.config.AdvertisedPort, b.config.BasePath, key)
}

// RefreshMetrics recomputes the broker's Prometheus gauges from live
// state. Intended to be passed as the refresh callback to Metrics.Handler.
func (b *Broker) RefreshMetrics() {
	channels := b.registry.All()
	subs := 0
	for _, ch := range channels {
		subs += ch.SubscriberCount()
	}
	b.metrics.setGauges(len(channels), subs, b.ports.LeasedCount())
}
