package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceDescriptor_Fingerprint(t *testing.T) {
	t.Run("same structural fields collide regardless of credentials", func(t *testing.T) {
		a := SourceDescriptor{Host: "10.0.0.1", Port: 554, ChannelNo: 1, StreamType: StreamMain, Username: "alice", Password: "a-pw", Width: 1920, Height: 1080}
		b := a
		b.Username, b.Password = "bob", "b-pw"

		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("differing channel number produces distinct keys", func(t *testing.T) {
		a := SourceDescriptor{Host: "10.0.0.1", Port: 554, ChannelNo: 1, StreamType: StreamMain, Width: 1920, Height: 1080}
		b := a
		b.ChannelNo = 2

		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("includes playback window when start time set", func(t *testing.T) {
		start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		end := start.Add(time.Hour)
		withWindow := SourceDescriptor{Host: "h", Port: 1, ChannelNo: 1, StreamType: StreamMain, StartTime: &start, EndTime: &end}
		withoutWindow := SourceDescriptor{Host: "h", Port: 1, ChannelNo: 1, StreamType: StreamMain}

		assert.NotEqual(t, withWindow.Fingerprint(), withoutWindow.Fingerprint())
		assert.Contains(t, string(withWindow.Fingerprint()), "20260102030405")
	})
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusStarting.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusExitedNormally.IsTerminal())
	assert.True(t, StatusExitedWithError.IsTerminal())
	assert.True(t, StatusKilled.IsTerminal())
}

func TestChannel_SetStatus_RefusesToLeaveTerminalState(t *testing.T) {
	ch := &Channel{}
	ch.setStatus(StatusRunning)
	assert.Equal(t, StatusRunning, ch.Status())

	ch.setStatus(StatusKilled)
	assert.Equal(t, StatusKilled, ch.Status())

	ch.setStatus(StatusRunning)
	assert.Equal(t, StatusKilled, ch.Status(), "a terminal status must never be reopened")
}

func TestChannel_AttachDetach(t *testing.T) {
	ch := &Channel{}
	sub := &Subscriber{ID: "abc123", Sink: &fakeSink{open: true}}

	ch.attach(sub)
	assert.Equal(t, 1, ch.SubscriberCount())

	assert.True(t, ch.detach("abc123"))
	assert.Equal(t, 0, ch.SubscriberCount())

	assert.False(t, ch.detach("abc123"), "detaching an absent subscriber is a no-op, not an error")
}

// fakeSink is a minimal Sink used across the package's tests.
type fakeSink struct {
	open     bool
	received [][]byte
	sendErr  error
	delay    time.Duration
	closed   bool
}

func (s *fakeSink) SendBinary(payload []byte) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.received = append(s.received, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSink) IsOpen() bool { return s.open }

func (s *fakeSink) Close() error {
	s.closed = true
	s.open = false
	return nil
}
