// Package stream maintains the live event-stream connection for one task.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/clock"
	"github.com/gosuda/auditwatch/internal/domain"
)

const defaultReadBuffer = 4096

// Opener opens the event stream resuming after the given sequence.
type Opener interface {
	OpenStream(ctx context.Context, afterSequence uint64) (io.ReadCloser, error)
}

type Options struct {
	Heartbeat   time.Duration
	Backoff     Backoff
	MaxAttempts int

	// Cursor reports the last applied sequence when an attempt starts.
	Cursor func() uint64
	// OnFrame receives every completed frame, in order, from the read goroutine.
	OnFrame func(Frame)
	// OnState is called with the connector lock held after every transition
	// or attempt count change and must not call back into the Connector.
	OnState func(domain.ConnectionStatus)

	Clock      clock.Clock
	ReadBuffer int
	Logger     *zerolog.Logger
}

// Connector drives one streaming connection through the
// disconnected/connecting/connected/reconnecting/failed state machine.
type Connector struct {
	opener Opener
	opts   Options
	log    zerolog.Logger

	mu        sync.Mutex
	state     domain.ConnectionState
	attempt   int
	lastErr   error
	gen       uint64
	live      bool
	parent    context.Context
	cancel    context.CancelFunc
	heartbeat clock.Timer
	retry     clock.Timer
}

func NewConnector(opener Opener, opts Options) *Connector {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Cursor == nil {
		opts.Cursor = func() uint64 { return 0 }
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func(Frame) {}
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = defaultReadBuffer
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Connector{
		opener: opener,
		opts:   opts,
		log:    logger.With().Str("component", "stream").Logger(),
		state:  domain.ConnDisconnected,
	}
}

// Status returns the current connection state.
func (c *Connector) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Connect starts streaming unless a connection is already active or pending.
// A failed connector stays failed until Reset.
func (c *Connector) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.ConnConnecting, domain.ConnConnected, domain.ConnReconnecting:
		return
	case domain.ConnFailed:
		c.log.Debug().Msg("connect ignored: connector failed, reset required")
		return
	}

	c.parent = ctx
	c.fireLocked(TriggerConnect)
	c.startAttemptLocked()
}

// Disconnect cancels the in-flight read and all timers. It is idempotent.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.teardownLocked()
	c.attempt = 0
	c.lastErr = nil
	c.fireLocked(TriggerCancel)
}

// Reset clears the attempt count, including after exhaustion, and connects.
func (c *Connector) Reset(ctx context.Context) {
	c.Disconnect()
	c.Connect(ctx)
}

func (c *Connector) statusLocked() domain.ConnectionStatus {
	st := domain.ConnectionStatus{State: c.state, Attempt: c.attempt}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Connector) fireLocked(t Trigger) {
	next, err := Next(c.state, t)
	if err != nil {
		c.log.Error().Err(err).Msg("rejected transition")
		return
	}
	if next != c.state {
		c.log.Info().Str("from", string(c.state)).Str("to", string(next)).Int("attempt", c.attempt).Msg("connection state")
	}
	c.state = next
	if c.opts.OnState != nil {
		c.opts.OnState(c.statusLocked())
	}
}

func (c *Connector) startAttemptLocked() {
	c.gen++
	gen := c.gen

	parent := c.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.live = true

	// The heartbeat also bounds how long the stream may take to open.
	c.armHeartbeatLocked(gen)

	after := c.opts.Cursor()
	c.log.Debug().Uint64("after_sequence", after).Int("attempt", c.attempt).Msg("opening stream")

	go c.run(ctx, gen, after)
}

func (c *Connector) teardownLocked() {
	c.live = false
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Connector) current(gen uint64) bool {
	return c.live && gen == c.gen
}

func (c *Connector) run(ctx context.Context, gen uint64, after uint64) {
	body, err := c.opener.OpenStream(ctx, after)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(gen, err)
		}
		return
	}
	defer body.Close()

	parser := NewParser()
	buf := make([]byte, c.opts.ReadBuffer)
	// productive is set once a frame arrives; only then does the attempt
	// count start over.
	started, productive := false, false

	for {
		if ctx.Err() != nil {
			return
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			frames := parser.Feed(buf[:n])
			switch {
			case !started:
				started = true
				productive = len(frames) > 0
				if !c.markConnected(gen, productive) {
					return
				}
			case !productive && len(frames) > 0:
				productive = true
				if !c.resetAttempts(gen) {
					return
				}
			}
			if !c.deliver(gen, frames) {
				return
			}
		}

		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(readErr, io.EOF) {
			frames := parser.Flush()
			if !c.deliver(gen, frames) {
				return
			}
			if !productive && len(frames) > 0 {
				productive = c.resetAttempts(gen)
			}
			// A close that never carried a frame counts against the retry budget.
			if productive {
				c.closed(gen)
			} else {
				c.fail(gen, domain.ErrStreamClosed)
			}
			return
		}
		c.fail(gen, readErr)
		return
	}
}

// deliver hands frames to OnFrame, re-arming the heartbeat before each one.
// It reports false once the attempt is no longer current.
func (c *Connector) deliver(gen uint64, frames []Frame) bool {
	for _, f := range frames {
		if !c.touch(gen) {
			return false
		}
		c.opts.OnFrame(f)
	}
	return true
}

func (c *Connector) markConnected(gen uint64, productive bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return false
	}
	if productive {
		c.attempt = 0
		c.lastErr = nil
	}
	c.armHeartbeatLocked(gen)
	c.fireLocked(TriggerFirstByte)
	return true
}

func (c *Connector) resetAttempts(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return false
	}
	if c.attempt == 0 && c.lastErr == nil {
		return true
	}
	c.attempt = 0
	c.lastErr = nil
	if c.opts.OnState != nil {
		c.opts.OnState(c.statusLocked())
	}
	return true
}

func (c *Connector) touch(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return false
	}
	c.armHeartbeatLocked(gen)
	return true
}

func (c *Connector) armHeartbeatLocked(gen uint64) {
	if c.opts.Heartbeat <= 0 {
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeat = c.opts.Clock.AfterFunc(c.opts.Heartbeat, func() {
		c.heartbeatExpired(gen)
	})
}

func (c *Connector) heartbeatExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return
	}
	switch c.state {
	case domain.ConnConnected:
		c.log.Warn().Dur("timeout", c.opts.Heartbeat).Msg("no frames before heartbeat timeout, tearing down")
	case domain.ConnConnecting, domain.ConnReconnecting:
		c.log.Warn().Dur("timeout", c.opts.Heartbeat).Msg("stream did not open before heartbeat timeout")
	default:
		return
	}
	c.failLocked(domain.ErrHeartbeatTimeout)
}

func (c *Connector) closed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return
	}
	c.teardownLocked()
	c.fireLocked(TriggerClosed)
}

func (c *Connector) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return
	}
	c.failLocked(err)
}

func (c *Connector) failLocked(err error) {
	c.teardownLocked()
	c.attempt++
	c.lastErr = err

	if c.opts.MaxAttempts > 0 && c.attempt >= c.opts.MaxAttempts {
		c.log.Error().Err(err).Int("attempt", c.attempt).Msg("reconnect attempts exhausted")
		c.lastErr = fmt.Errorf("%w: %w", domain.ErrRetriesExhausted, err)
		c.fireLocked(TriggerExhausted)
		return
	}

	delay := c.opts.Backoff.Delay(c.attempt - 1)
	c.log.Warn().Err(err).Int("attempt", c.attempt).Dur("delay", delay).Msg("stream failed, scheduling reconnect")

	// Timers are armed before observers hear about the transition.
	gen := c.gen
	c.retry = c.opts.Clock.AfterFunc(delay, func() {
		c.retryNow(gen)
	})
	c.fireLocked(TriggerFailure)
}

func (c *Connector) retryNow(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != domain.ConnReconnecting {
		return
	}
	c.retry = nil
	c.startAttemptLocked()
}
