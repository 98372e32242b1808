package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/jmylchreest/videorelay-broker/internal/observability"
	"golang.org/x/sync/errgroup"
)

const readBufferSize = 8 * 1024

// channelListener wraps a single-use TCP listener on a leased loopback
// port. The transcoder subprocess is the only expected caller; the
// listener accepts exactly one connection and then stops accepting.
type channelListener struct {
	ln net.Listener

	mu   sync.Mutex
	conn net.Conn
}

func newChannelListener(port int) (*channelListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenerBindFailed, err)
	}
	return &channelListener{ln: ln}, nil
}

// acceptOnce blocks until the producer connects, then stops accepting
// further connections on this listener.
func (l *channelListener) acceptOnce() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return conn, nil
}

// close shuts the listener and any accepted connection. Idempotent.
func (l *channelListener) close() {
	_ = l.ln.Close()
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// FanoutPipeline reads the producer's byte stream once and broadcasts
// every payload to all currently attached subscribers concurrently,
// evicting any subscriber whose sink fails or is no longer open.
type FanoutPipeline struct {
	channel  *Channel
	listener *channelListener
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newFanoutPipeline(channel *Channel, listener *channelListener, logger *slog.Logger) *FanoutPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanoutPipeline{
		channel:  channel,
		listener: listener,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// run accepts the producer connection and broadcasts every payload read
// from it until the connection ends, an unrecoverable read error occurs,
// or stop is called. Intended to run in its own goroutine; the channel is
// considered to have no running pipeline once run returns.
func (p *FanoutPipeline) run() {
	defer close(p.doneCh)

	conn, err := p.listener.acceptOnce()
	if err != nil {
		select {
		case <-p.stopCh:
			// Listener closed deliberately during shutdown; not an error.
		default:
			p.logger.Warn("fan-out pipeline: producer never connected",
				slog.String("channel_key", string(p.channel.Key)),
				slog.String("error", err.Error()))
		}
		return
	}
	defer conn.Close()

	p.channel.setProducerConnected(true)
	p.channel.setBroadcastRunning(true)
	defer p.channel.setBroadcastRunning(false)
	p.logger.Info("fan-out pipeline: producer connected",
		slog.String("channel_key", string(p.channel.Key)))

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			p.logger.Log(context.Background(), observability.LevelTrace, "fan-out pipeline: read producer bytes",
				slog.String("channel_key", string(p.channel.Key)),
				slog.Int("bytes", n))
			p.broadcast(payload)
			p.channel.touch()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("fan-out pipeline: producer read error",
					slog.String("channel_key", string(p.channel.Key)),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// broadcast sends one payload to every attached subscriber concurrently
// and waits for all sends to finish before returning, so slow subscribers
// bound the pace of the broadcast but never cause payload loss or
// reordering for any individual subscriber. Subscribers whose sink
// reports an error or is no longer open are evicted after the round.
func (p *FanoutPipeline) broadcast(payload []byte) {
	p.channel.subsMu.Lock()
	subs := make([]*Subscriber, len(p.channel.subscribers))
	copy(subs, p.channel.subscribers)
	p.channel.subsMu.Unlock()

	if len(subs) == 0 {
		return
	}

	dead := make([]bool, len(subs))
	var group errgroup.Group
	for i, sub := range subs {
		i, sub := i, sub
		group.Go(func() error {
			if !sub.Sink.IsOpen() {
				dead[i] = true
				return nil
			}
			if err := sub.Sink.SendBinary(payload); err != nil {
				dead[i] = true
				p.logger.Debug("fan-out pipeline: evicting subscriber",
					slog.String("channel_key", string(p.channel.Key)),
					slog.String("subscriber_id", sub.ID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = group.Wait()

	if anyTrue(dead) {
		p.evict(subs, dead)
	}
}

func anyTrue(bs []bool) bool {
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

func (p *FanoutPipeline) evict(subs []*Subscriber, dead []bool) {
	p.channel.subsMu.Lock()
	defer p.channel.subsMu.Unlock()

	deadIDs := make(map[string]struct{})
	for i, d := range dead {
		if d {
			deadIDs[subs[i].ID] = struct{}{}
		}
	}

	kept := p.channel.subscribers[:0:0]
	for _, s := range p.channel.subscribers {
		if _, isDead := deadIDs[s.ID]; isDead {
			continue
		}
		kept = append(kept, s)
	}
	p.channel.subscribers = kept
}

// stop signals the pipeline's run loop to exit and waits for it to do so.
func (p *FanoutPipeline) stop() {
	close(p.stopCh)
	p.listener.close()
	<-p.doneCh
}
