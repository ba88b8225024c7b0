// Package tunnel maintains the userspace WireGuard session to the relay
// and serves the gateway handler on the tunnel-internal address.
package tunnel

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/kittengrid/agent/internal/config"
)

// State is the tunnel lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateHandshaking  State = "handshaking"
	StateEstablished  State = "established"
	StateDegraded     State = "degraded"
)

var (
	tunnelUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kittengrid_tunnel_up",
		Help: "1 while the tunnel is established.",
	})
	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kittengrid_tunnel_reconnects_total",
		Help: "Tunnel reconnection attempts.",
	})
)

// PeerConfig is the relay-side configuration handed back by the control
// plane after peer registration.
type PeerConfig struct {
	// Address is the tunnel-internal address assigned to this agent.
	Address netip.Prefix

	RelayPublicKey      string
	RelayEndpoint       string
	PresharedKey        string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive int
}

// NegotiateFunc registers a fresh session public key with the control
// plane and returns the peer configuration for it. It is called once
// per connection attempt, so every session uses an ephemeral keypair.
type NegotiateFunc func(ctx context.Context, publicKey string) (*PeerConfig, error)

// Session owns one tunnel at a time and reconnects when the relay goes
// silent. The gateway handler is served on the tunnel-internal address.
type Session struct {
	logger  zerolog.Logger
	cfg     *config.Config
	handler http.Handler

	mu    sync.Mutex
	state State
}

func NewSession(logger zerolog.Logger, cfg *config.Config, handler http.Handler) *Session {
	return &Session{
		logger:  logger.With().Str("component", "tunnel").Logger(),
		cfg:     cfg,
		handler: handler,
		state:   StateDisconnected,
	}
}

// State returns the current tunnel state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	if next == StateEstablished {
		tunnelUp.Set(1)
	} else {
		tunnelUp.Set(0)
	}
	s.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("tunnel state changed")
}

// Run keeps a tunnel alive until ctx is cancelled. Each attempt
// negotiates a fresh keypair; on relay silence the session degrades,
// tears down and reconnects with jittered backoff.
func (s *Session) Run(ctx context.Context, negotiate NegotiateFunc) error {
	backoff := s.newBackoff()
	for {
		established, err := s.runOnce(ctx, negotiate)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("tunnel session ended, reconnecting")
		reconnectsTotal.Inc()

		if established {
			backoff = s.newBackoff()
		}
		delay, _ := backoff.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Session) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.ReconnectBaseDelay)
	b = retry.WithCappedDuration(s.cfg.ReconnectMaxDelay, b)
	return retry.WithJitterPercent(20, b)
}

// runOnce negotiates, establishes and supervises a single tunnel
// session. It reports whether the session reached Established so the
// caller can reset its backoff.
func (s *Session) runOnce(ctx context.Context, negotiate NegotiateFunc) (bool, error) {
	s.setState(StateHandshaking)
	defer s.setState(StateDisconnected)

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return false, fmt.Errorf("generate session key: %w", err)
	}
	defer zeroKey(&priv)

	peer, err := negotiate(ctx, priv.PublicKey().String())
	if err != nil {
		return false, fmt.Errorf("negotiate peer: %w", err)
	}

	tun, tnet, err := netstack.CreateNetTUN([]netip.Addr{peer.Address.Addr()}, nil, device.DefaultMTU)
	if err != nil {
		return false, fmt.Errorf("create netstack tun: %w", err)
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), device.NewLogger(device.LogLevelSilent, ""))
	defer dev.Close()

	uapi, err := buildUAPIConfig(priv, peer, s.cfg.KeepaliveInterval)
	if err != nil {
		return false, fmt.Errorf("build uapi config: %w", err)
	}
	if err := dev.IpcSet(uapi); err != nil {
		return false, fmt.Errorf("configure wireguard device: %w", err)
	}
	if err := dev.Up(); err != nil {
		return false, fmt.Errorf("bring up wireguard device: %w", err)
	}

	listener, err := tnet.ListenTCPAddrPort(netip.AddrPortFrom(peer.Address.Addr(), uint16(s.cfg.BindPort)))
	if err != nil {
		return false, fmt.Errorf("listen inside tunnel: %w", err)
	}

	srv := &http.Server{Handler: s.handler}
	defer srv.Close()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	s.setState(StateEstablished)
	s.logger.Info().
		Str("address", peer.Address.Addr().String()).
		Str("endpoint", peer.RelayEndpoint).
		Msg("tunnel established")

	err = s.watch(ctx, dev, serveErr)
	return true, err
}

// watch polls the device for handshake liveness. The relay is
// considered gone after MissedKeepalives keepalive windows with no
// handshake, at which point the session degrades and ends.
func (s *Session) watch(ctx context.Context, dev *device.Device, serveErr <-chan error) error {
	window := time.Duration(s.cfg.MissedKeepalives) * s.cfg.KeepaliveInterval
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serveErr:
			return fmt.Errorf("tunnel listener closed: %w", err)
		case <-ticker.C:
			status, err := dev.IpcGet()
			if err != nil {
				return fmt.Errorf("query device: %w", err)
			}
			last, ok := parseLastHandshake(status)
			if !ok {
				// No handshake yet; give the relay a full window from
				// session start before declaring it dead.
				if time.Since(started) > window {
					s.setState(StateDegraded)
					return errors.New("no initial handshake within keepalive window")
				}
				continue
			}
			if time.Since(last) > window {
				s.setState(StateDegraded)
				return fmt.Errorf("relay silent for %s", time.Since(last).Round(time.Second))
			}
		}
	}
}

// parseLastHandshake extracts the most recent peer handshake time from
// a UAPI get response. Returns false when no handshake happened yet.
func parseLastHandshake(status string) (time.Time, bool) {
	var sec int64
	scanner := bufio.NewScanner(strings.NewReader(status))
	for scanner.Scan() {
		line := scanner.Text()
		val, found := strings.CutPrefix(line, "last_handshake_time_sec=")
		if !found {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		if n > sec {
			sec = n
		}
	}
	if sec == 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// buildUAPIConfig renders the device configuration for a session key
// and its relay peer.
func buildUAPIConfig(priv wgtypes.Key, peer *PeerConfig, keepalive time.Duration) (string, error) {
	pub, err := wgtypes.ParseKey(peer.RelayPublicKey)
	if err != nil {
		return "", fmt.Errorf("parse relay public key: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "private_key=%s\n", hex.EncodeToString(priv[:]))
	fmt.Fprintf(&sb, "public_key=%s\n", hex.EncodeToString(pub[:]))

	if peer.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(peer.PresharedKey)
		if err != nil {
			return "", fmt.Errorf("parse preshared key: %w", err)
		}
		fmt.Fprintf(&sb, "preshared_key=%s\n", hex.EncodeToString(psk[:]))
	}

	host, portStr, err := net.SplitHostPort(peer.RelayEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", peer.RelayEndpoint, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", fmt.Errorf("resolve endpoint %q: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no IPs found for endpoint %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("parse port %q: %w", portStr, err)
	}
	fmt.Fprintf(&sb, "endpoint=%s:%d\n", ips[0].String(), port)

	ka := peer.PersistentKeepalive
	if ka == 0 {
		ka = int(keepalive / time.Second)
	}
	if ka > 0 {
		fmt.Fprintf(&sb, "persistent_keepalive_interval=%d\n", ka)
	}

	for _, prefix := range peer.AllowedIPs {
		fmt.Fprintf(&sb, "allowed_ip=%s\n", prefix.String())
	}

	return sb.String(), nil
}

func zeroKey(k *wgtypes.Key) {
	for i := range k {
		k[i] = 0
	}
}
