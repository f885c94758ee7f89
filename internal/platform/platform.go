// Package platform builds the infrastructure shared by the service binaries:
// the event bus and the observability HTTP server.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// connectTimeout bounds how long a service waits for the broker at start-up.
const connectTimeout = time.Minute

// NewBroker picks the transport named by BUS_DRIVER.
func NewBroker(cfg config.Common, log *zap.Logger) eventbus.Broker {
	if cfg.BusDriver == config.BusDriverMemory {
		return eventbus.NewMemoryBroker(logging.Watermill(log))
	}
	return eventbus.NewAMQPBroker(cfg.AMQPURL, cfg.BusExchange, log)
}

// ConnectBus builds a bus over broker and connects it, retrying while the
// broker is still coming up.
func ConnectBus(ctx context.Context, cfg config.Common, broker eventbus.Broker, reg *eventbus.Registry, log *zap.Logger) (*eventbus.Bus, error) {
	bus := eventbus.New(broker, reg, log, eventbus.WithRetryPolicy(eventbus.RetryPolicy{
		MaxAttempts:     cfg.BusMaxAttempts,
		InitialInterval: cfg.BusRetryWait,
	}))

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := bus.Connect(ctx)
		if errors.Is(err, eventbus.ErrClosed) || errors.Is(err, eventbus.ErrAlreadyConnected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectTimeout),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("event bus not reachable, retrying", zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	return bus, nil
}

// WhileConsuming derives a context that is cancelled when ctx is, or when
// bus stops consuming. Serving under it turns a lost subscription into a
// process exit.
func WhileConsuming(ctx context.Context, bus *eventbus.Bus) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-bus.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// BusPinger reports the bus as unhealthy unless it is in one of the given
// states.
func BusPinger(bus *eventbus.Bus, healthy ...eventbus.State) observability.Pinger {
	return func(context.Context) error {
		s := bus.State()
		for _, h := range healthy {
			if s == h {
				return nil
			}
		}
		if err := bus.Err(); err != nil {
			return err
		}
		return fmt.Errorf("event bus is %s", s)
	}
}

// ObservabilityMux serves /metrics and the health probes.
func ObservabilityMux(log *zap.Logger, deps map[string]observability.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", observability.HealthLiveHandler)
	mux.Handle("/health/ready", observability.HealthReadyHandler(log, deps))
	return mux
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	log.Info("http server stopped", zap.String("addr", srv.Addr))
	return nil
}
