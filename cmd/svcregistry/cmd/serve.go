package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/svcregistry"
	"github.com/GoCodeAlone/svcregistry/config"
	"github.com/GoCodeAlone/svcregistry/declare"
	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/httpapi"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// NewServeCommand creates the serve command
func NewServeCommand(load configLoader) *cobra.Command {
	var track []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry with its HTTP API",
		Long: `Run an in-memory registry, publish the declarations file if one is configured,
and serve the HTTP introspection API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, cfg, track)
		},
	}
	cmd.Flags().StringSliceVar(&track, "track", nil, "contracts whose lifecycle events are logged (repeatable)")
	return cmd
}

// runtime is the set of components wired from a Config.
type runtime struct {
	registry *registry.Memory
	sc       *svcregistry.ServiceContext
	metrics  *prometheus.Registry
	logger   svcregistry.Logger
}

func newRuntime(cfg *config.Config, cmd *cobra.Command) (*runtime, error) {
	slogger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	logger := svcregistry.NewSlogLogger(slogger)

	mem := registry.NewMemory(&registry.Config{
		EnableUsageTracking: cfg.Registry.EnableUsageTracking,
		MaxRegistrations:    cfg.Registry.MaxRegistrations,
	})

	opts := []svcregistry.Option{
		svcregistry.WithLogger(logger),
		svcregistry.WithTrackerWorkers(cfg.Tracker.Workers),
		svcregistry.WithOwner(cfg.Registry.Owner),
	}
	if ttl := cfg.Registry.FilterCacheTTL; ttl > 0 {
		opts = append(opts, svcregistry.WithFilterCache(filter.NewCache(ttl, 2*ttl)))
	}
	sc, err := svcregistry.NewServiceContext(mem, opts...)
	if err != nil {
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		registry.NewPrometheusCollector(mem, cfg.HTTP.MetricsPrefix),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &runtime{registry: mem, sc: sc, metrics: metrics, logger: logger}, nil
}

func serve(ctx context.Context, cmd *cobra.Command, cfg *config.Config, track []string) error {
	rt, err := newRuntime(cfg, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.registry.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := rt.sc.RegisterObserver(svcregistry.NewFunctionalObserver("serve-log", func(_ context.Context, ev cloudevents.Event) error {
		rt.logger.Debug("Registry event", "type", ev.Type(), "id", ev.ID())
		return nil
	})); err != nil {
		return err
	}

	for _, contract := range track {
		tr, err := rt.sc.Track(ctx, svcregistry.Contract(contract), "", func(ev svcregistry.TrackerEvent) {
			rt.logger.Info("Tracked service event",
				"contract", contract,
				"kind", ev.Kind.String(),
				"service_id", ev.Registration.ID,
				"ranking", ev.Registration.Ranking)
		})
		if err != nil {
			return fmt.Errorf("tracking %s: %w", contract, err)
		}
		defer tr.Close()
	}

	apiOpts := []httpapi.Option{
		httpapi.WithGatherer(rt.metrics),
		httpapi.WithMetricsPath(cfg.HTTP.MetricsPath),
	}

	syncErr := make(chan error, 1)
	if path := cfg.Declarations.Path; path != "" {
		syncer, err := declare.NewSyncer(rt.sc, path,
			declare.WithOwner(cfg.Declarations.Owner),
			declare.WithWatch(cfg.Declarations.Watch, cfg.Declarations.Debounce),
			declare.WithResync(cfg.Declarations.Resync))
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, httpapi.WithDeclarations(syncer))
		go func() { syncErr <- syncer.Run(ctx) }()
	} else {
		close(syncErr)
	}

	api, err := httpapi.NewServer(rt.sc, apiOpts...)
	if err != nil {
		return err
	}
	serveErr := api.ListenAndServe(ctx, httpapi.ListenConfig{
		Address:         cfg.HTTP.Address,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, nil)

	// stop the syncer whether or not the listener failed first
	cancel()
	return errors.Join(serveErr, <-syncErr)
}
