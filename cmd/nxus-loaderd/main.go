// Command nxus-loaderd keeps a configured set of collections loaded from a
// data service and serves their state of health over HTTP.
//
// Collections are described in a YAML config file (or NXUS_* environment
// variables). Each collection gets a shared loader through the registry;
// collections with events configured reload automatically on change
// notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/davidkellerman/nxus-data-loaders/internal/config"
	"github.com/davidkellerman/nxus-data-loaders/pkg/events"
	"github.com/davidkellerman/nxus-data-loaders/pkg/loader"
	"github.com/davidkellerman/nxus-data-loaders/pkg/logging"
	"github.com/davidkellerman/nxus-data-loaders/pkg/merge"
	"github.com/davidkellerman/nxus-data-loaders/pkg/registry"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "nxus-loaderd",
	Short: "Shared data-loader daemon",
	Long: `nxus-loaderd keeps configured collections loaded from a data service.

It deduplicates loaders by configuration, merges streamed records into
in-memory buckets, reloads on push change notifications, and exposes
health and Prometheus metrics over HTTP.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/nxus-loaderd/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	level := logging.LogLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.Logging.Format == "console",
		Output: os.Stderr,
	})
	logger := logging.NewLogger("nxus-loaderd")

	hub := events.NewHub()
	hub.SetBackoff(cfg.ReconnectBackoff())
	defer hub.Close()

	reg := registry.NewRegistry(registry.Options{
		Pools:        cfg.PoolSet(),
		Hub:          hub,
		CatchupDelay: cfg.CatchupDelay(),
		ErrorBackoff: cfg.ErrorBackoff(),
	})

	container := merge.NewMapContainer()
	shared, err := referenceCollections(reg, container, cfg.Collections, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range shared {
			s.close()
		}
	}()

	for _, s := range shared {
		s.loader.Request(0)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(shared))
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Int("collections", len(shared)).Msg("Daemon listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// sharedCollection pairs a referenced loader with what is needed to release
// it again.
type sharedCollection struct {
	name   string
	loader registry.Shared
	close  func()
}

// referenceCollections wires every configured collection into the registry.
// Already-referenced collections are released when a later one fails.
func referenceCollections(reg *registry.Registry, container merge.Container, collections []config.CollectionConfig, logger zerolog.Logger) ([]*sharedCollection, error) {
	var shared []*sharedCollection

	release := func() {
		for _, s := range shared {
			s.close()
		}
	}

	for _, c := range collections {
		property := c.Property
		if property == "" {
			property = c.Name
		}

		newProc := merge.New
		if c.Singleton {
			newProc = merge.NewSingleton
		}
		proc, err := newProc(container, property, merge.RawAdapter, merge.WithLogger(logger))
		if err != nil {
			release()
			return nil, fmt.Errorf("collection %q: %w", c.Name, err)
		}

		kind := registry.KindData
		if len(c.Events) > 0 {
			kind = registry.KindChangeAware
		}

		rcfg := registry.Config{
			URL:       c.URL,
			Query:     c.Query,
			PoolName:  c.Pool,
			EventsURL: c.EventsURL,
			Events:    c.Events,
			Cutoff:    c.Cutoff,
		}

		instance, err := reg.Reference(kind, rcfg, proc, nil)
		if err != nil {
			release()
			return nil, fmt.Errorf("collection %q: %w", c.Name, err)
		}

		shared = append(shared, &sharedCollection{
			name:   c.Name,
			loader: instance,
			close:  func() { reg.Dereference(instance, proc, nil) },
		})
	}
	return shared, nil
}

// healthHandler reports per-collection loader flags; any collection still
// unloaded or in error turns the response into 503.
func healthHandler(shared []*sharedCollection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := true
		body := ""
		for _, s := range shared {
			flags := s.loader.Flags()
			state := "ok"
			if flags&loader.FlagError != 0 {
				state = "error"
				healthy = false
			} else if flags&loader.FlagUnloaded != 0 {
				state = "loading"
				healthy = false
			}
			body += fmt.Sprintf("%s: %s\n", s.name, state)
		}

		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprint(w, body)
	}
}
