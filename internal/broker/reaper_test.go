package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aliveChannel(t *testing.T) *Channel {
	t.Helper()
	sup := NewProcessSupervisor("/bin/sh", []string{"-c", "sleep 30"}, nil, nil)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Terminate)

	ch := &Channel{Key: ChannelKey("k1")}
	ch.supervisor = sup
	ch.createdAt = time.Now().Add(-time.Hour)
	ch.lastAccessAt = time.Now()
	return ch
}

func TestReaper_GracePeriodSkipsFreshChannels(t *testing.T) {
	r := NewReaper(nil, nil, ReaperConfig{GracePeriod: time.Minute}, nil)
	ch := &Channel{createdAt: time.Now()}

	reason, shouldTeardown := r.evaluate(ch, time.Now())
	assert.False(t, shouldTeardown)
	assert.Empty(t, reason)
}

func TestReaper_DeadProducerTornDownImmediatelyAfterGrace(t *testing.T) {
	r := NewReaper(nil, nil, ReaperConfig{GracePeriod: 0}, nil)
	ch := &Channel{createdAt: time.Now().Add(-time.Minute)}

	reason, shouldTeardown := r.evaluate(ch, time.Now())
	assert.True(t, shouldTeardown)
	assert.Equal(t, "dead_producer", reason)
}

func TestReaper_LongIdleBeatsShortIdle(t *testing.T) {
	r := NewReaper(nil, nil, ReaperConfig{GracePeriod: 0, LongIdleTimeout: time.Minute, ShortIdleTimeout: time.Second}, nil)
	ch := aliveChannel(t)
	ch.lastAccessAt = time.Now().Add(-2 * time.Minute)

	reason, shouldTeardown := r.evaluate(ch, time.Now())
	assert.True(t, shouldTeardown)
	assert.Equal(t, "long_idle", reason)
}

func TestReaper_ShortIdleWhenNoSubscribersAndBelowLongThreshold(t *testing.T) {
	r := NewReaper(nil, nil, ReaperConfig{GracePeriod: 0, LongIdleTimeout: time.Hour, ShortIdleTimeout: time.Second}, nil)
	ch := aliveChannel(t)
	ch.lastAccessAt = time.Now().Add(-2 * time.Second)

	reason, shouldTeardown := r.evaluate(ch, time.Now())
	assert.True(t, shouldTeardown)
	assert.Equal(t, "short_idle", reason)
}

func TestReaper_ActiveSubscribersPreventIdleTeardown(t *testing.T) {
	r := NewReaper(nil, nil, ReaperConfig{GracePeriod: 0, LongIdleTimeout: time.Hour, ShortIdleTimeout: time.Second}, nil)
	ch := aliveChannel(t)
	ch.lastAccessAt = time.Now().Add(-time.Minute)
	ch.attach(&Subscriber{ID: "sub", Sink: &fakeSink{open: true}})

	_, shouldTeardown := r.evaluate(ch, time.Now())
	assert.False(t, shouldTeardown)
}

func TestReaper_TickTearsDownQualifyingChannels(t *testing.T) {
	registry := NewChannelRegistry(nil)
	dead := &Channel{Key: ChannelKey("dead"), createdAt: time.Now().Add(-time.Minute)}
	registry.Insert(dead, "caller-dead")

	var torndown []string
	r := NewReaper(nil, registry, ReaperConfig{GracePeriod: 0}, func(ch *Channel, reason string) {
		torndown = append(torndown, reason)
	})

	r.tick()

	assert.Equal(t, []string{"dead_producer"}, torndown)
}

func TestReaper_StartStop(t *testing.T) {
	registry := NewChannelRegistry(nil)
	r := NewReaper(nil, registry, ReaperConfig{TickInterval: 10 * time.Millisecond, GracePeriod: 0}, func(ch *Channel, reason string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
