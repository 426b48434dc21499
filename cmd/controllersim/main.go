package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/rmacdonaldsmith/topolink/internal/controllersim"
	"github.com/rmacdonaldsmith/topolink/internal/logging"
)

const appName = "controllersim"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	addr       string
	grpcAddr   string
	secret     string
	user       string
	password   string
	noAuth     bool
	captureDir string
	tokenTTL   time.Duration
	logSpec    string
	logFormat  string
	version    bool
}

func parseFlags(args []string) (options, error) {
	var o options

	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", ":3080", "HTTP listen address")
	fs.StringVar(&o.grpcAddr, "grpc-addr", ":3081", "gRPC listen address (empty disables gRPC)")
	fs.StringVar(&o.secret, "secret", "", "JWT signing secret")
	fs.StringVar(&o.user, "user", "admin", "User allowed to log in")
	fs.StringVar(&o.password, "password", "admin", "Password for --user")
	fs.BoolVar(&o.noAuth, "no-auth", false, "Accept unauthenticated requests")
	fs.StringVar(&o.captureDir, "capture-dir", "", "Directory reported for capture files")
	fs.DurationVar(&o.tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of issued tokens")
	fs.StringVar(&o.logSpec, "log", "", "Log spec, e.g. info,controllersim=debug (overrides "+logging.EnvVar+")")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&o.version, "version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

// run serves until ctx is cancelled.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	if o.version {
		fmt.Fprintf(stdout, "%s v%s\n", appName, controllersim.Version)
		return nil
	}

	format, err := logging.ParseFormat(o.logFormat)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Flag:   o.logSpec,
		Env:    os.Getenv(logging.EnvVar),
		Config: "info",
		Format: format,
		Output: stderr,
	})
	if err != nil {
		return err
	}

	logger.Info("🚀 Starting controller simulator", "version", controllersim.Version)
	logger.Info("🔌 HTTP listen", "addr", o.addr)
	if o.grpcAddr != "" {
		logger.Info("🔗 gRPC listen", "addr", o.grpcAddr)
	}
	if o.noAuth {
		logger.Warn("⚠️  Authentication disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server, err := controllersim.NewServer(controllersim.Config{
		Addr:       o.addr,
		SecretKey:  o.secret,
		Users:      map[string]string{o.user: o.password},
		NoAuth:     o.noAuth,
		TokenTTL:   o.tokenTTL,
		CaptureDir: o.captureDir,
		Registry:   registry,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}

	errs := make(chan error, 2)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if o.grpcAddr != "" {
		lis, err := net.Listen("tcp", o.grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", o.grpcAddr, err)
		}
		go func() {
			if err := server.ServeGRPC(lis); err != nil && !errors.Is(err, net.ErrClosed) {
				errs <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	logger.Info("✅ Controller simulator started", "metrics", "/metrics")
	logger.Info("💡 Use Ctrl+C to shutdown gracefully")

	select {
	case <-ctx.Done():
		logger.Info("🛑 Shutting down gracefully...")
	case err := <-errs:
		shutdown(server, logger)
		return err
	}

	shutdown(server, logger)
	logger.Info("👋 Controller simulator stopped")
	return nil
}

func shutdown(server *controllersim.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Warn("⚠️  Error during graceful stop", "error", err)
	}
}
