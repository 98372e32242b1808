package broker

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T) (*channelListener, int) {
	t.Helper()
	ln, err := newChannelListener(0)
	require.NoError(t, err)
	port := ln.ln.Addr().(*net.TCPAddr).Port
	return ln, port
}

func dialProducer(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	return conn
}

func TestFanoutPipeline_BroadcastsToAllSubscribers(t *testing.T) {
	ln, port := newTestListener(t)
	ch := &Channel{}
	p := newFanoutPipeline(ch, ln, nil)

	go p.run()

	producer := dialProducer(t, port)
	defer producer.Close()

	subA := &fakeSink{open: true}
	subB := &fakeSink{open: true}
	ch.attach(&Subscriber{ID: "a", Sink: subA})
	ch.attach(&Subscriber{ID: "b", Sink: subB})

	_, err := producer.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(subA.received) == 1 && len(subB.received) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "hello", string(subA.received[0]))
	assert.Equal(t, "hello", string(subB.received[0]))

	p.stop()
}

func TestFanoutPipeline_EvictsDeadSubscriberButKeepsOthers(t *testing.T) {
	ln, port := newTestListener(t)
	ch := &Channel{}
	p := newFanoutPipeline(ch, ln, nil)

	go p.run()

	producer := dialProducer(t, port)
	defer producer.Close()

	healthy := &fakeSink{open: true}
	failing := &fakeSink{open: true, sendErr: assert.AnError}
	ch.attach(&Subscriber{ID: "healthy", Sink: healthy})
	ch.attach(&Subscriber{ID: "failing", Sink: failing})

	_, err := producer.Write([]byte("frame-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ch.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, len(healthy.received))

	p.stop()
}

func TestFanoutPipeline_SlowSubscriberBoundsPaceWithoutLoss(t *testing.T) {
	ln, port := newTestListener(t)
	ch := &Channel{}
	p := newFanoutPipeline(ch, ln, nil)

	go p.run()

	producer := dialProducer(t, port)
	defer producer.Close()

	slow := &fakeSink{open: true, delay: 50 * time.Millisecond}
	ch.attach(&Subscriber{ID: "slow", Sink: slow})

	_, err := producer.Write([]byte("frame-1"))
	require.NoError(t, err)
	// TCP does not preserve write boundaries, so the first frame must be
	// read and delivered on its own before the second is written.
	require.Eventually(t, func() bool {
		return len(slow.received) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err = producer.Write([]byte("frame-2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(slow.received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "frame-1", string(slow.received[0]))
	assert.Equal(t, "frame-2", string(slow.received[1]))

	p.stop()
}

func TestFanoutPipeline_StopClosesListenerAndReturnsPromptly(t *testing.T) {
	ln, _ := newTestListener(t)
	ch := &Channel{}
	p := newFanoutPipeline(ch, ln, nil)

	go p.run()

	done := make(chan struct{})
	go func() {
		p.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return promptly when producer never connected")
	}
}
