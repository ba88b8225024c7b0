package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/kittengrid/agent/internal/config"
)

// Handler reacts to inbound commands and supplies the resync snapshot
// sent after every (re)connect. HandleCommand must be idempotent;
// deliveries are at-least-once.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command) error
	Snapshot() []Event
}

var (
	eventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kittengrid_control_events_sent_total",
		Help: "Events delivered over the control channel.",
	})
	commandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kittengrid_control_commands_received_total",
		Help: "Commands received over the control channel.",
	}, []string{"type"})
	channelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kittengrid_control_reconnects_total",
		Help: "Control channel reconnection attempts.",
	})
)

// Channel is the reconnecting websocket session to the control plane.
// Events survive disconnects in a bounded queue; commands are dispatched
// to the Handler as they arrive.
type Channel struct {
	logger  zerolog.Logger
	cfg     *config.Config
	url     string
	token   string
	handler Handler

	queue       *eventQueue
	notify      chan struct{}
	seq         atomic.Uint64
	lastInbound atomic.Int64
}

func NewChannel(logger zerolog.Logger, cfg *config.Config, url, token string, handler Handler) *Channel {
	c := &Channel{
		logger:  logger.With().Str("component", "control-channel").Logger(),
		cfg:     cfg,
		url:     url,
		token:   token,
		handler: handler,
		queue:   newEventQueue(cfg.EventQueueSize),
		notify:  make(chan struct{}, 1),
	}
	c.logTokenClaims()
	return c
}

// logTokenClaims logs the session token's subject and expiry without
// verifying it; verification is the server's job.
func (c *Channel) logTokenClaims() {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return
	}
	ev := c.logger.Debug().Str("subject", claims.Subject)
	if claims.ExpiresAt != nil {
		ev = ev.Time("expires_at", claims.ExpiresAt.Time)
	}
	ev.Msg("session token claims")
}

// Publish stamps an event with its sequence number and timestamp and
// queues it for delivery. Safe to call from any goroutine, connected or
// not.
func (c *Channel) Publish(ev Event) {
	ev.Seq = c.seq.Add(1)
	ev.Timestamp = time.Now().UTC()
	c.queue.push(ev)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// QueuedEvents reports the current outbound backlog.
func (c *Channel) QueuedEvents() int { return c.queue.len() }

// DroppedEvents reports how many events overflow has discarded.
func (c *Channel) DroppedEvents() uint64 { return c.queue.droppedCount() }

// Run maintains the channel until ctx is cancelled, reconnecting with
// jittered backoff after every failure.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.newBackoff()
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("control session ended, reconnecting")
		channelReconnects.Inc()

		if connected {
			backoff = c.newBackoff()
		}
		delay, _ := backoff.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Channel) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.ReconnectBaseDelay)
	b = retry.WithCappedDuration(c.cfg.ReconnectMaxDelay, b)
	return retry.WithJitterPercent(20, b)
}

// runOnce dials, authenticates and runs one session. It reports whether
// the session was healthy enough to reset the caller's backoff: the
// control plane must have sent at least one frame, or the session must
// have outlived the backoff cap. A successful auth write alone is not
// evidence the remote accepted us.
func (c *Channel) runOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial control plane: %w", err)
	}
	defer ws.CloseNow()

	if err := c.authenticate(ctx, ws); err != nil {
		return false, err
	}
	authedAt := time.Now()
	c.lastInbound.Store(authedAt.UnixNano())
	c.logger.Info().Msg("control channel connected")

	// Resync: the control plane sees current state again after every
	// reconnect, so nothing it missed stays missing.
	for _, ev := range c.handler.Snapshot() {
		c.Publish(ev)
	}

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	errCh := make(chan error, 2)
	go func() { errCh <- c.readPump(sessionCtx, ws) }()
	go func() { errCh <- c.writePump(sessionCtx, ws) }()

	err = <-errCh
	cancelSession()
	ws.Close(websocket.StatusNormalClosure, "")

	healthy := c.lastInbound.Load() > authedAt.UnixNano() ||
		time.Since(authedAt) >= c.cfg.ReconnectMaxDelay
	return healthy, err
}

// authenticate sends the token as the first frame. Anything else first
// is a protocol violation and the server will drop us.
func (c *Channel) authenticate(ctx context.Context, ws *websocket.Conn) error {
	data, err := json.Marshal(authMessage{Type: "auth", Token: c.token})
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}
	return nil
}

func (c *Channel) readPump(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}
		c.lastInbound.Store(time.Now().UnixNano())

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed command frame")
			continue
		}
		if err := cmd.Validate(); err != nil {
			c.logger.Warn().Err(err).Msg("discarding invalid command")
			continue
		}
		commandsReceived.WithLabelValues(string(cmd.Type)).Inc()

		if err := c.handler.HandleCommand(ctx, cmd); err != nil {
			c.logger.Error().Err(err).
				Str("command", string(cmd.Type)).
				Str("service", cmd.Service).
				Msg("command failed")
		}
	}
}

// writePump flushes the queue whenever new events arrive, emits
// heartbeats, and enforces the remote silence window.
func (c *Channel) writePump(ctx context.Context, ws *websocket.Conn) error {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if silent := time.Since(time.Unix(0, c.lastInbound.Load())); silent > c.cfg.RemoteSilenceWindow {
				return fmt.Errorf("control plane silent for %s", silent.Round(time.Second))
			}
			c.Publish(Heartbeat())
		case <-c.notify:
		}

		// One event at a time: whatever fails to go out returns to the
		// queue and survives the reconnect.
		for {
			ev, ok := c.queue.popFront()
			if !ok {
				break
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				c.queue.pushFront(ev)
				return fmt.Errorf("write event: %w", err)
			}
			eventsSent.Inc()
		}
	}
}
