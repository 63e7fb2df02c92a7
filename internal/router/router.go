package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// RouteErrorKind classifies routing failures.
type RouteErrorKind string

const (
	// RouteUnknownRecipient marks a message whose recipient has no address.
	RouteUnknownRecipient RouteErrorKind = "unknown_recipient"
	// RouteMalformed marks a message rejected before any delivery attempt.
	RouteMalformed RouteErrorKind = "malformed_message"
)

// RouteError reports why a message could not be routed.
type RouteError struct {
	Kind RouteErrorKind
	Role models.Role
	Msg  string
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("route error (%s, role %s): %s", e.Kind, e.Role, e.Msg)
	}
	return fmt.Sprintf("route error (%s): %s", e.Kind, e.Msg)
}

// Options tune delivery retry behaviour.
type Options struct {
	// MaxAttempts bounds delivery attempts per message.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
}

// Router delivers agent messages at-least-once with bounded retry. Messages
// that exhaust their attempts are dead-lettered: logged, counted, dropped.
// Send is synchronous, so per-sender ordering within a correlation id holds.
type Router struct {
	registry  *Registry
	transport Transport
	opts      Options
	clock     utils.Clock
	logger    *slog.Logger
}

// NewRouter wires the message router over a role registry and a transport.
func NewRouter(registry *Registry, transport Transport, opts Options, clock utils.Clock, logger *slog.Logger) *Router {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Second
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		transport: transport,
		opts:      opts,
		clock:     clock,
		logger:    utils.ComponentLogger(logger, "router"),
	}
}

// Send routes the message to its recipient. Unroutable messages return a
// *RouteError; a message that exhausts its delivery attempts is
// dead-lettered and Send returns nil.
func (r *Router) Send(ctx context.Context, msg models.AgentMessage) error {
	if err := validate(msg); err != nil {
		metrics.ObserveMessage(string(msg.Type), metrics.DeliveryRejected)
		r.logger.Error("rejecting malformed message", slog.String("type", string(msg.Type)), slog.String("to", string(msg.To)), slog.Any("error", err))
		return err
	}

	address, ok := r.registry.Resolve(msg.To)
	if !ok {
		metrics.ObserveMessage(string(msg.Type), metrics.DeliveryRejected)
		r.logger.Error("no address for recipient", slog.String("type", string(msg.Type)), slog.String("to", string(msg.To)))
		return &RouteError{Kind: RouteUnknownRecipient, Role: msg.To, Msg: "no registered address"}
	}

	var lastErr error
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.clock.Sleep(ctx, r.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr = r.transport.Deliver(ctx, address, msg); lastErr == nil {
			metrics.ObserveMessage(string(msg.Type), metrics.DeliveryDelivered)
			return nil
		}
		r.logger.Warn("delivery attempt failed",
			slog.String("type", string(msg.Type)),
			slog.String("to", string(msg.To)),
			slog.String("correlation_id", msg.CorrelationID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", lastErr))
	}

	metrics.ObserveMessage(string(msg.Type), metrics.DeliveryDeadLetter)
	r.logger.Error("dead-lettering message after retry exhaustion",
		slog.String("type", string(msg.Type)),
		slog.String("to", string(msg.To)),
		slog.String("correlation_id", msg.CorrelationID),
		slog.Int("attempts", r.opts.MaxAttempts),
		slog.Any("error", lastErr))
	return nil
}

func (r *Router) backoff(attempt int) time.Duration {
	d := r.opts.BackoffBase << (attempt - 1)
	if d > r.opts.BackoffMax || d <= 0 {
		d = r.opts.BackoffMax
	}
	return d
}

func validate(msg models.AgentMessage) error {
	switch {
	case msg.To == "":
		return &RouteError{Kind: RouteMalformed, Msg: "missing recipient"}
	case msg.Type == "":
		return &RouteError{Kind: RouteMalformed, Role: msg.To, Msg: "missing message type"}
	case msg.CorrelationID == "":
		return &RouteError{Kind: RouteMalformed, Role: msg.To, Msg: "missing correlation id"}
	}
	return nil
}
