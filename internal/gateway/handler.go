// Package gateway implements the per-connection admission state
// machine: Admit, FirstByte, Classify, MqttValidate, HttpReject, Dial,
// Relay, Terminate.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/guard"
	ioutilx "github.com/aegisgate/aegisgate/internal/ioutil"
	"github.com/aegisgate/aegisgate/internal/logging"
	"github.com/aegisgate/aegisgate/internal/metrics"
	"github.com/aegisgate/aegisgate/internal/ratelimit"
)

// noSlowlorisHorizon stands in for "no deadline" when slowloris
// protection is disabled: long enough that no real client or test
// will ever hit it, short enough to avoid overflowing time.Time math.
const noSlowlorisHorizon = 24 * time.Hour

// Dialer opens the upstream connection. Satisfied by
// (&net.Dialer{}).DialContext; overridden in tests with a fake that
// points at an in-process echo listener.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handler owns everything a connection's lifecycle needs: the shared
// configuration snapshot, rate limiter, metrics, logger, and a dialer
// for the upstream leg.
type Handler struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *logging.Logger
	dialer  Dialer
}

// NewHandler builds a Handler bound to the given shared components.
func NewHandler(cfg *config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *logging.Logger, dialer Dialer) *Handler {
	return &Handler{cfg: cfg, limiter: limiter, metrics: m, logger: logger, dialer: dialer}
}

// Handle runs the full admission state machine over client, closing it
// (and any dialed upstream) before returning. It never returns an
// error; every failure is logged and counted internally and contained
// within this one connection's handler goroutine.
func (h *Handler) Handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	defer h.metrics.ConnectionTerminated()

	clientAddr := client.RemoteAddr().String()
	ip := hostOf(clientAddr)
	log := h.logger.WithConn(connID(client), clientAddr)

	started := time.Now()
	overall := started.Add(h.cfg.Slowloris.ConnectionTimeout())
	if !h.cfg.Features.EnableSlowlorisProtection {
		// No umbrella deadline: admit→dial is allowed to block
		// indefinitely while this protection is toggled off.
		overall = time.Now().Add(noSlowlorisHorizon)
	}

	// --- Admit ---
	if h.cfg.Features.EnableRateLimiter {
		if !h.limiter.Check(ip, time.Now()) {
			h.metrics.RateLimited()
			log.Debug(ctx, "connection rejected by rate limiter", slog.String("ip", ip))
			return
		}
	}

	// --- FirstByte ---
	first := make([]byte, 1)
	firstDeadline := h.stageDeadline(started, h.cfg.Slowloris.FirstPacketTimeout(), overall)
	n, err := ioutilx.ReadWithDeadline(client, first, firstDeadline)
	if err != nil || n < 1 {
		h.metrics.SlowlorisRejected()
		log.Info(ctx, "slow first byte", slog.String("ip", ip))
		return
	}

	// --- Classify ---
	if !h.cfg.Features.EnableMQTTInspection && !h.cfg.Features.EnableHTTPInspection {
		// Both classifier stages are disabled: the pipeline has nothing
		// left to decide on, so the connection passes straight through.
		h.dialAndRelay(ctx, log, client, first, overall)
		return
	}

	classification := Classify(first[0])

	switch classification.Kind {
	case KindMQTT:
		if !h.cfg.Features.EnableMQTTInspection {
			h.dialAndRelay(ctx, log, client, first, overall)
			return
		}
		h.mqttValidate(ctx, log, client, first, overall)
	case KindHTTP:
		if !h.cfg.Features.EnableHTTPInspection {
			h.dialAndRelay(ctx, log, client, first, overall)
			return
		}
		h.httpReject(ctx, log, client, first, overall)
	default:
		if !h.cfg.Features.EnableMQTTInspection {
			h.dialAndRelay(ctx, log, client, first, overall)
			return
		}
		h.metrics.ProtocolRejected()
		log.Info(ctx, "unrecognized first byte", slog.String("ip", ip))
	}
}

// mqttValidate implements states MqttValidate → Dial → Relay.
func (h *Handler) mqttValidate(ctx context.Context, log *logging.Logger, client net.Conn, first []byte, overall time.Time) {
	deadline := h.stageDeadline(time.Now(), h.cfg.Slowloris.MQTTConnectTimeout(), overall)

	buf, err := ioutilx.BoundedReadUntil(client, h.cfg.Proxy.MaxConnectRemaining+5, deadline, h.idleTimeout(), func(acc []byte) bool {
		return mqttHasFullConnect(append(append([]byte{}, first...), acc...), h.cfg.Proxy.MaxConnectRemaining)
	})
	full := append(append([]byte{}, first...), buf...)

	if err != nil {
		if errors.Is(err, ioutilx.ErrTimeout) {
			// A declared remaining_length exceeding what's been sent
			// when the idle timer fires classifies as slowloris, not
			// protocol-malformed.
			h.metrics.SlowlorisRejected()
			log.Info(ctx, "slowloris during mqtt connect accumulation")
			return
		}
		h.metrics.ProtocolRejected()
		log.Info(ctx, "mqtt connect read error", slog.String("error", err.Error()))
		return
	}

	_, perr := guard.ParseConnect(full, h.cfg.Proxy.MaxConnectRemaining, h.cfg.Features.EnableMQTTFullInspection)
	if perr != nil {
		h.metrics.ProtocolRejected()
		log.Info(ctx, "mqtt connect rejected", slog.String("reason", perr.Error()))
		return
	}

	h.dialAndRelay(ctx, log, client, full, overall)
}

// httpReject implements state HttpReject.
func (h *Handler) httpReject(ctx context.Context, log *logging.Logger, client net.Conn, first []byte, overall time.Time) {
	deadline := h.stageDeadline(time.Now(), h.cfg.Slowloris.HTTPRequestTimeout(), overall)

	buf, err := ioutilx.BoundedReadUntil(client, h.cfg.Slowloris.MaxHTTPHeaderSize, deadline, h.idleTimeout(), func(acc []byte) bool {
		return guard.HeadersComplete(append(append([]byte{}, first...), acc...))
	})
	full := append(append([]byte{}, first...), buf...)

	if err != nil {
		// Timeout or size overflow while scanning headers is an
		// attack-shaped outcome, counted as slowloris rather than a
		// plain http rejection.
		h.metrics.SlowlorisRejected()
		log.Info(ctx, "http header scan bound exceeded", slog.String("error", err.Error()))
		return
	}

	if verr := guard.ValidateHeaderCount(full, h.cfg.Slowloris.MaxHTTPHeaderCount); verr != nil {
		h.metrics.SlowlorisRejected()
		log.Info(ctx, "http header count exceeded")
		return
	}

	h.metrics.HTTPRejected()
	log.Info(ctx, "http traffic rejected")
}

// dialAndRelay implements states Dial → Relay → Terminate.
func (h *Handler) dialAndRelay(ctx context.Context, log *logging.Logger, client net.Conn, preRead []byte, overall time.Time) {
	dialCtx, cancel := context.WithDeadline(ctx, overall)
	defer cancel()

	upstream, err := h.dialer.DialContext(dialCtx, "tcp", h.cfg.Proxy.TargetAddress)
	if err != nil {
		log.Warn(ctx, "upstream dial failed", slog.String("error", err.Error()))
		return
	}
	defer upstream.Close()

	if err := Relay(client, upstream, preRead); err != nil {
		log.Warn(ctx, "relay ended with error", slog.String("error", err.Error()))
	}
}

// stageDeadline computes the deadline for one pipeline stage's read:
// base+timeout, clamped to overall. When slowloris protection is
// disabled, the per-stage timeout itself is skipped entirely rather
// than just widening the umbrella deadline, so a stage can only ever
// be cut short by overall (which is itself unbounded in that case).
func (h *Handler) stageDeadline(base time.Time, timeout time.Duration, overall time.Time) time.Time {
	if !h.cfg.Features.EnableSlowlorisProtection {
		return overall
	}
	deadline := base.Add(timeout)
	if deadline.After(overall) {
		deadline = overall
	}
	return deadline
}

// idleTimeout returns the per-read idle bound passed to
// BoundedReadUntil, or a deadline far enough out to never fire when
// slowloris protection is disabled.
func (h *Handler) idleTimeout() time.Duration {
	if !h.cfg.Features.EnableSlowlorisProtection {
		return noSlowlorisHorizon
	}
	return h.cfg.Slowloris.PacketIdleTimeout()
}

// mqttHasFullConnect reports whether buf already contains a complete
// fixed header plus declared remaining_length bytes, the predicate
// BoundedReadUntil polls on while accumulating an MQTT CONNECT packet.
// It also reports true as soon as the fixed header fails with an error
// other than guard.ErrTruncated (more bytes cannot cure it), so that
// ParseConnect reports that error as a protocol rejection.
func mqttHasFullConnect(buf []byte, maxConnectRemaining int) bool {
	result, err := guard.ParseFixedHeader(buf, maxConnectRemaining)
	if err != nil {
		return !errors.Is(err, guard.ErrTruncated)
	}
	return len(buf) >= result.HeaderLength+result.RemainingLength
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// connID derives a cheap, non-cryptographic per-connection identifier
// from the client's local/remote endpoint pair, used only to correlate
// log lines for a single connection's lifetime.
func connID(client net.Conn) string {
	return client.RemoteAddr().String() + "->" + client.LocalAddr().String()
}
