// Package supervisor watches relay liveness while a call is in flight and
// drives bounded reconnection when the relay stops answering.
package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/session"
)

// Transport is the relay connection surface the supervisor probes and
// repairs. Implemented by connmgr.
type Transport interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// CallControl is the session surface the supervisor consults and, on
// exhausted reconnection, terminates.
type CallControl interface {
	SnapshotNow() session.Snapshot
	ForceEnd(reason session.EndReason)
}

// Status describes a relay-liveness change published on the transport topic.
type Status string

const (
	// StatusDegraded means the debounce re-ping also failed; the connection
	// is confirmed unhealthy. A single failed ping is never surfaced.
	StatusDegraded Status = "degraded"
	// StatusReconnecting means reconnection attempts are running.
	StatusReconnecting Status = "reconnecting"
	// StatusRecovered means the relay answered again.
	StatusRecovered Status = "recovered"
	// StatusLost means every reconnection attempt failed and the call was
	// ended.
	StatusLost Status = "lost"
)

// StatusChange is the transport-topic payload.
type StatusChange struct {
	Status Status
	Err    error
}

// Supervisor pings the relay on a fixed interval while a call is in a
// non-idle state. A failed ping opens a short debounce window before the
// connection is declared degraded; reconnection then runs a bounded number
// of constant-interval attempts, and only after the last one fails is the
// call force-ended as lost.
type Supervisor struct {
	cfg       config.SupervisorConfig
	transport Transport
	calls     CallControl
	clock     session.Clock
	bus       *bus.Bus
	logger    *zap.Logger
}

func New(cfg config.SupervisorConfig, transport Transport, calls CallControl, clock session.Clock, b *bus.Bus, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		transport: transport,
		calls:     calls,
		clock:     clock,
		bus:       b,
		logger:    logger.Named("supervisor"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if !s.sleep(ctx, s.cfg.PingInterval) {
			return
		}
		if !s.inCall() {
			continue
		}

		if err := s.ping(ctx); err == nil {
			continue
		} else {
			s.logger.Debug("relay ping failed, debouncing", zap.Error(err))
		}

		// One glitch is forgiven silently: re-ping after the debounce window
		// and only then declare the connection degraded.
		if !s.sleep(ctx, s.cfg.Debounce) {
			return
		}
		if err := s.ping(ctx); err == nil {
			continue
		} else {
			s.bus.Publish(bus.TopicTransport, StatusChange{Status: StatusDegraded, Err: err})
		}

		s.bus.Publish(bus.TopicTransport, StatusChange{Status: StatusReconnecting})
		if err := s.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("reconnection exhausted, ending call", zap.Error(err))
			s.bus.Publish(bus.TopicTransport, StatusChange{Status: StatusLost, Err: err})
			s.calls.ForceEnd(session.ReasonConnectionLost)
			continue
		}
		s.logger.Info("relay connection recovered")
		s.bus.Publish(bus.TopicTransport, StatusChange{Status: StatusRecovered})
	}
}

func (s *Supervisor) inCall() bool {
	switch s.calls.SnapshotNow().State {
	case session.StateCalling, session.StateReceiving, session.StateConnecting, session.StateActive:
		return true
	default:
		return false
	}
}

func (s *Supervisor) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	return s.transport.Ping(pctx)
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(s.cfg.ReconnectInterval),
			s.cfg.ReconnectAttempts,
		), ctx)
	return backoff.Retry(func() error {
		return s.transport.Reconnect(ctx)
	}, policy)
}

// sleep waits d on the injected clock; false means ctx ended first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	t := s.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
