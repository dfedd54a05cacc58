package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/crv/internal/analyzer"
	"github.com/joescharf/crv/internal/api"
	"github.com/joescharf/crv/internal/daemon"
	"github.com/joescharf/crv/internal/metrics"
	"github.com/joescharf/crv/internal/store"
	"github.com/joescharf/crv/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	stopGrace       = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dev review backend in the foreground",
	Long: `Run a local review backend: the REST API, the live status stream and a
worker that analyzes pending submissions. Reviews are stored in SQLite.

With anthropic.api_key set, snippets are reviewed by Claude; otherwise an
offline heuristic analyzer is used.

Use 'crv serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		pf := pidFile()
		if err := pf.Acquire(); err != nil {
			return fmt.Errorf("dev backend %w", err)
		}
		defer func() { _ = pf.Release() }()

		addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
		return runServer(ctx, addr, func(a net.Addr) {
			ui.Success("Serving reviews at http://localhost:%d", a.(*net.TCPAddr).Port)
		})
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dev backend in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background dev backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background dev backend is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8000, "port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	dir, _ := configDirFunc()
	return daemon.NewPIDFile(filepath.Join(dir, "crv-serve.pid"))
}

func serveLogPath() string {
	dir, _ := configDirFunc()
	return filepath.Join(dir, "crv-serve.log")
}

// runServer serves the API and runs the worker until ctx is cancelled.
// ready is called with the bound address once the listener is open.
func runServer(ctx context.Context, addr string, ready func(net.Addr)) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	srv := api.NewServer(st,
		api.WithLogger(logger),
		api.WithRateLimit(viper.GetInt("server.rate_limit_per_hour")),
		api.WithDedupe(viper.GetBool("server.dedupe")),
	)
	w := worker.New(st, newAnalyzer(),
		time.Duration(viper.GetInt("server.worker_poll_ms"))*time.Millisecond,
		worker.WithLogger(logger),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if ready != nil {
		ready(ln.Addr())
	}
	logger.Info("dev backend listening", "addr", ln.Addr().String(), "db", viper.GetString("server.db_path"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("dev backend stopped")
	return err
}

func openStore() (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(viper.GetString("server.db_path"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

// newAnalyzer picks the LLM analyzer when an Anthropic key is configured and
// the heuristic analyzer otherwise.
func newAnalyzer() analyzer.Analyzer {
	key := viper.GetString("anthropic.api_key")
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		logger.Info("no anthropic api key, using heuristic analyzer")
		return analyzer.NewHeuristic()
	}
	return analyzer.NewLLM(key, analyzerModel(), analyzer.WithLLMLogger(logger))
}

func analyzerModel() string {
	if m := viper.GetString("anthropic.model"); m != "" {
		return m
	}
	return analyzer.DefaultModel
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.Status(); running {
		return fmt.Errorf("dev backend already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("server.port"))}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start dev backend: %w", err)
	}
	pid := child.Process.Pid
	if err := pf.WritePID(pid); err != nil {
		return err
	}
	_ = child.Process.Release()

	ui.Success("Dev backend started (pid %d) on port %d", pid, viper.GetInt("server.port"))
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, _ := pf.Status()
	if err := pf.Stop(stopGrace); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			return fmt.Errorf("dev backend not running")
		}
		return err
	}
	ui.Success("Dev backend stopped (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().Status()
	if !running {
		ui.Info("Dev backend is not running")
		return nil
	}
	ui.Success("Dev backend running (pid %d)", pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
