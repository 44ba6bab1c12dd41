package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-netbridge/broker"
	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/connector"
	"github.com/glimte/mmate-netbridge/health"
	"github.com/glimte/mmate-netbridge/internal/config"
	"github.com/glimte/mmate-netbridge/internal/reliability"
	"github.com/glimte/mmate-netbridge/metrics"
	"github.com/glimte/mmate-netbridge/transport"
	natstransport "github.com/glimte/mmate-netbridge/transports/nats"
	amqptransport "github.com/glimte/mmate-netbridge/transports/rabbitmq"
	"github.com/glimte/mmate-netbridge/transports/vm"
)

const shutdownTimeout = 15 * time.Second

// app is one netbridge process: an embedded broker, the listeners that
// accept bridges from peers and the connectors that open bridges to them.
type app struct {
	file       *config.File
	logger     *slog.Logger
	service    *broker.Service
	connectors []*connector.NetworkConnector
	registry   *prometheus.Registry
	health     *health.Registry
}

func newApp(f *config.File, logger *slog.Logger) (*app, error) {
	a := &app{
		file:   f,
		logger: logger,
		service: broker.New(command.BrokerID(f.Broker.ID),
			broker.WithLogger(logger),
			broker.WithBrokerName(f.Broker.Name),
			broker.WithNetworkTTL(f.Broker.NetworkTTL)),
		registry: prometheus.NewRegistry(),
		health:   health.NewRegistry(),
	}

	collector := metrics.NewCollector(a.service)
	for _, c := range f.Connectors {
		cfg, err := c.BridgeConfig(f.Broker)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", c.Name, err)
		}
		nc, err := connector.New(cfg, a.service, a.dialer(c),
			connector.WithLogger(logger),
			connector.WithRetryPolicy(reliability.NewExponentialBackoff(c.Retry.Initial, c.Retry.Max, c.Retry.Multiplier, -1)),
			connector.WithCircuitBreaker(reliability.NewCircuitBreaker(
				reliability.WithName(c.Name),
				reliability.WithFailureThreshold(c.Breaker.FailureThreshold),
				reliability.WithTimeout(c.Breaker.Timeout),
			)),
			connector.WithRestartDelay(c.Retry.RestartDelay),
		)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", c.Name, err)
		}
		a.connectors = append(a.connectors, nc)
		collector.Add(nc)
		a.health.Register(health.NewConnectorChecker(nc))
	}

	a.registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return a, nil
}

func newTransport(e config.Endpoint, logger *slog.Logger) (transport.Transport, error) {
	switch e.Transport {
	case config.TransportAMQP:
		return amqptransport.New(e.URL, e.Node, e.Peer, amqptransport.WithLogger(logger)), nil
	case config.TransportNATS:
		return natstransport.New(e.URL, e.Node, e.Peer,
			natstransport.WithLogger(logger),
			natstransport.WithClientName(e.Node)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", e.Transport)
	}
}

// dialer connects the bridge of c to the embedded broker over an in-process
// pair and to the remote broker over the configured transport.
func (a *app) dialer(c config.Connector) connector.Dialer {
	return func(ctx context.Context) (transport.Transport, transport.Transport, error) {
		remote, err := newTransport(c.Endpoint, a.logger)
		if err != nil {
			return nil, nil, reliability.Permanent(err)
		}
		local, brokerSide := vm.NewPair(vm.WithName(c.Name), vm.WithLogger(a.logger))
		if _, err := a.service.Attach(ctx, brokerSide); err != nil {
			return nil, nil, err
		}
		return local, remote, nil
	}
}

// serve keeps an endpoint attached on l until ctx is done.
func (a *app) serve(ctx context.Context, l config.Endpoint) {
	logger := a.logger.With("listener", l.Node, "transport", l.Transport)
	policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, -1)
	for ctx.Err() == nil {
		var ep *broker.Endpoint
		err := reliability.Retry(ctx, policy, func() error {
			t, err := newTransport(l, a.logger)
			if err != nil {
				return reliability.Permanent(err)
			}
			ep, err = a.service.Attach(ctx, t)
			if err != nil {
				logger.Warn("failed to attach listener", "error", err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("giving up on listener", "error", err)
			}
			return
		}
		logger.Info("listening for network bridges")
		select {
		case <-ep.Done():
			logger.Info("listener endpoint closed, re-attaching")
		case <-ctx.Done():
			_ = ep.Stop(context.Background())
			return
		}
	}
}

func (a *app) run(ctx context.Context) error {
	a.logger.Info("starting netbridge",
		"brokerId", a.file.Broker.ID,
		"brokerName", a.file.Broker.Name,
		"listeners", len(a.file.Listeners),
		"connectors", len(a.connectors))

	var srv *http.Server
	if a.file.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		mux.Handle("/healthz", health.Handler(a.health, 5*time.Second))
		mux.Handle("/readyz", health.ReadinessHandler(a.health))
		srv = &http.Server{Addr: a.file.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, l := range a.file.Listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.serve(ctx, l)
		}()
	}
	for _, nc := range a.connectors {
		if err := nc.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	a.logger.Info("shutting down netbridge")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var err error
	for _, nc := range a.connectors {
		err = multierr.Append(err, nc.Stop(stopCtx))
	}
	wg.Wait()
	err = multierr.Append(err, a.service.Stop(stopCtx))
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(stopCtx))
	}
	return err
}
