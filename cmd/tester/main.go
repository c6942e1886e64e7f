// tester is the judging worker daemon: it claims submitted attempts from
// the shared queue, builds and runs them inside the sandbox and writes the
// verdicts back.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/lerna-cp/tester/config"
	"github.com/lerna-cp/tester/emit"
	"github.com/lerna-cp/tester/judge"
	"github.com/lerna-cp/tester/metrics"
	"github.com/lerna-cp/tester/store"
	"github.com/lerna-cp/tester/worker"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Path to the YAML configuration file",
		Required: true,
	}
	forceFlag = &cli.BoolFlag{
		Name:    "force",
		Aliases: []string{"f"},
		Usage:   "Use a non-empty working directory without asking",
	}
	logDirFlag = &cli.StringFlag{
		Name:    "log-dir",
		Aliases: []string{"l"},
		Usage:   "Directory relative log file names resolve against",
		Value:   "./",
	}
	nameFlag = &cli.StringFlag{
		Name:    "name",
		Aliases: []string{"n"},
		Usage:   "Worker name written into claimed attempts",
	}
)

func main() {
	app := &cli.App{
		Name:      "tester",
		Usage:     "judging worker daemon",
		ArgsUsage: "<working-directory>",
		Flags:     []cli.Flag{configFlag, forceFlag, logDirFlag, nameFlag},
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tester: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one working directory argument")
	}
	workDir, err := prepareWorkDir(c.Args().First(), c.Bool("force"))
	if err != nil {
		return err
	}

	lifecycle := worker.NewLifecycle()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(lifecycle, cancel)

	var (
		registry       = prometheus.NewRegistry()
		m              = metrics.New(registry)
		metricsServing string
	)

	for !lifecycle.Terminating() {
		lifecycle.ClearRestart()

		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}

		emitter, closeEmitter, err := buildEmitter(cfg, c.String("log-dir"))
		if err != nil {
			return err
		}

		if cfg.Metrics.Listen != "" && metricsServing == "" {
			metricsServing = cfg.Metrics.Listen
			go serveMetrics(metricsServing, registry, emitter)
		}

		st, err := store.Open(cfg.DB.Locator)
		if err != nil {
			closeEmitter()
			return err
		}
		if err := st.Ping(ctx); err != nil {
			st.Close()
			closeEmitter()
			return fmt.Errorf("failed to reach the attempt queue: %w", err)
		}

		pipeline := judge.New(st, cfg, workDir, judge.Options{
			Emitter: emitter,
			Metrics: m,
		})
		err = worker.Run(ctx, worker.Params{
			Config:    cfg,
			Store:     st,
			Judge:     pipeline,
			Lifecycle: lifecycle,
			Name:      c.String("name"),
			Emitter:   emitter,
			Metrics:   m,
		})
		st.Close()
		closeEmitter()
		if err != nil {
			return err
		}
		if !lifecycle.Terminating() {
			emitterlessNote("restarting with a fresh configuration")
		}
	}
	emitterlessNote("worker stopped")
	return nil
}

// prepareWorkDir creates the working directory, or confirms reuse of an
// existing non-empty one. Everything inside it is deleted before each
// attempt.
func prepareWorkDir(path string, force bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		if err := os.MkdirAll(abs, 0o777); err != nil {
			return "", fmt.Errorf("failed to create working directory: %w", err)
		}
		// MkdirAll is subject to the umask; the sandboxed program runs as
		// another user and must be able to write here.
		if err := os.Chmod(abs, 0o777); err != nil {
			return "", fmt.Errorf("failed to open up working directory: %w", err)
		}
		return abs, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("failed to inspect working directory: %w", err)
	}
	if len(entries) == 0 || force {
		return abs, nil
	}

	fmt.Printf("Working directory %s is not empty and will be wiped before every attempt. Continue? [y/N] ", abs)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "yessir", "yeah":
		return abs, nil
	}
	return "", fmt.Errorf("refusing to use non-empty working directory %s", abs)
}

// buildEmitter assembles the event sink from the logging and tracing
// sections: a text or JSON log stream, optionally fanned out to an OTLP
// span exporter.
func buildEmitter(cfg *config.Config, logDir string) (emit.Emitter, func(), error) {
	var (
		out     io.Writer = os.Stdout
		cleanup           = func() {}
	)
	if cfg.Logging.File != "" {
		path := cfg.Logging.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(logDir, path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		cleanup = func() { f.Close() }
	}
	logEmitter := emit.NewLogEmitter(out, cfg.Logging.Mode == "json")

	if !cfg.Tracing.Enabled {
		return logEmitter, cleanup, nil
	}

	exporter, err := otlptracehttp.New(context.Background())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otelEmitter := emit.NewOTelEmitter(tp.Tracer("lerna-tester"))

	fileCleanup := cleanup
	cleanup = func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
		fileCleanup()
	}
	return emit.NewFanout(logEmitter, otelEmitter), cleanup, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, emitter emit.Emitter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		emitter.Emit(emit.Event{Msg: "metrics_listener_failed",
			Meta: map[string]interface{}{"error": err.Error(), "addr": addr}})
	}
}

// handleSignals translates process signals into lifecycle intents: HUP
// restarts with a reloaded config, the first INT/TERM drains gracefully,
// the second interrupts the attempt in flight, QUIT exits at once.
func handleSignals(lifecycle *worker.Lifecycle, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			emitterlessNote("restart requested")
			lifecycle.RequestRestart()
		case syscall.SIGINT, syscall.SIGTERM:
			if lifecycle.RequestShutdown() {
				emitterlessNote("shutting down after the current attempt (repeat to interrupt)")
			} else {
				emitterlessNote("interrupting")
				cancel()
			}
		case syscall.SIGQUIT:
			emitterlessNote("quitting immediately")
			os.Exit(131)
		}
	}
}

// emitterlessNote prints operator-facing process messages that must show
// up even when the event log goes to a file.
func emitterlessNote(msg string) {
	fmt.Fprintf(os.Stderr, "tester: %s\n", msg)
}
