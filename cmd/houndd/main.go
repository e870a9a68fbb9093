// Command houndd is a small demo daemon wiring hound's counter and file
// drivers together, serving Prometheus metrics and, optionally, live
// runtime charts. Grounded on go-ublk's cmd/ublk-mem (flag parsing,
// verbose logging, graceful signal-driven shutdown), rebuilt on
// github.com/spf13/cobra + github.com/spf13/pflag instead of the stdlib
// flag package.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkevac/debugcharts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/houndlabs/hound"
	"github.com/houndlabs/hound/drivers/counter"
	"github.com/houndlabs/hound/drivers/file"
	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/logging"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/schema"
	"github.com/houndlabs/hound/internal/telemetry"
)

func main() {
	var (
		verbose       bool
		metricsAddr   string
		tailPath      string
		debugCharts   bool
		counterPeriod time.Duration
	)

	root := &cobra.Command{
		Use:   "houndd",
		Short: "Demo hound broker: synthetic counter plus an optional tailed file driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOpts{
				verbose:       verbose,
				metricsAddr:   metricsAddr,
				tailPath:      tailPath,
				debugCharts:   debugCharts,
				counterPeriod: counterPeriod,
			})
		},
	}

	flags := root.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	flags.StringVar(&tailPath, "tail", "", "path to a msgpack-line file to tail with the file driver (optional)")
	flags.BoolVar(&debugCharts, "debug-charts", false, "serve live runtime charts at /debug/charts")
	flags.DurationVar(&counterPeriod, "counter-period", 100*time.Millisecond, "synthetic counter sampling period")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runOpts struct {
	verbose       bool
	metricsAddr   string
	tailPath      string
	debugCharts   bool
	counterPeriod time.Duration
}

func run(ctx context.Context, opts runOpts) error {
	logConfig := logging.DefaultConfig()
	if opts.verbose {
		logConfig.Level = logging.LevelDebug
	}
	log := logging.NewLogger(logConfig)
	logging.SetDefault(log)

	reg := prometheus.NewRegistry()
	obs := telemetry.NewPrometheusObserver(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if opts.debugCharts {
		mux.Handle("/debug/charts/", debugcharts.Handler())
	}
	srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
	go func() {
		log.Info("serving metrics", "addr", opts.metricsAddr, "debug_charts", opts.debugCharts)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()

	lib, err := hound.InitConfigWithObserver("", "", log, obs)
	if err != nil {
		return fmt.Errorf("houndd: init_config: %w", err)
	}

	lib.RegisterKind(counter.Kind, func() interfaces.Driver { return counter.New() })
	if opts.tailPath != "" {
		lib.RegisterKind(file.Kind, func() interfaces.Driver { return file.New() })
	}

	counterSchema := schema.StaticSource{Descriptors: []model.SchemaDescriptor{{
		DataID: counter.DataID,
		Name:   "counter0",
		Fmts:   []model.FieldDescriptor{{Name: "value", Type: model.TypeU64}},
	}}}
	if _, err := lib.InitDriver(counter.Kind, "/virtual/counter0", counterSchema, "", nil); err != nil {
		return fmt.Errorf("houndd: init_driver(counter): %w", err)
	}

	if opts.tailPath != "" {
		fileSchema := schema.StaticSource{Descriptors: []model.SchemaDescriptor{{
			DataID: counter.DataID + 1,
			Name:   "tailed_value",
			Fmts:   []model.FieldDescriptor{{Name: "value", Type: model.TypeDouble}},
		}}}
		if _, err := lib.InitDriver(file.Kind, opts.tailPath, fileSchema, "", map[string]model.ArgValue{
			"path": {Kind: model.ArgString, Str: opts.tailPath},
		}); err != nil {
			return fmt.Errorf("houndd: init_driver(file): %w", err)
		}
	}

	demoCtx, err := lib.AllocCtx(hound.AllocRequest{
		QueueLen: 64,
		Requests: []model.DataRequest{{ID: counter.DataID, PeriodNs: model.Period(opts.counterPeriod.Nanoseconds())}},
		Callback: func(rec model.Record, seqno uint64) {
			log.Debug("record", "data_id", rec.DataID, "seqno", seqno, "bytes", len(rec.Data))
		},
	})
	if err != nil {
		return fmt.Errorf("houndd: alloc_ctx: %w", err)
	}
	if err := lib.Start(demoCtx); err != nil {
		return fmt.Errorf("houndd: start: %w", err)
	}
	go func() {
		for {
			if err := lib.ReadBlocking(demoCtx, 1); err != nil {
				return
			}
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("houndd running", "counter_period", opts.counterPeriod)
	select {
	case <-ctx.Done():
	case <-stopCh:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return lib.Shutdown()
}
