package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thomastaylor312/snas/pkg/credstore"
	"github.com/thomastaylor312/snas/pkg/handlers"
	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/metrics"
	"github.com/thomastaylor312/snas/pkg/natsapi"
	"github.com/thomastaylor312/snas/pkg/natsutil"
	"github.com/thomastaylor312/snas/pkg/socket"
)

var (
	errNoServersEnabled = errors.New("at least one of -admin-nats, -user-nats, or -user-socket must be enabled")
	errSamePrefix       = errors.New("-admin-topic-prefix and -user-topic-prefix must differ")
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	natsURL := flag.String("nats-url", "127.0.0.1:4222", "NATS server address")
	credsFile := flag.String("creds", "", "Path to a NATS credentials file. Mutually exclusive with -username/-password")
	username := flag.String("username", "", "Username for NATS authentication")
	password := flag.String("password", "", "Password for NATS authentication")
	caCert := flag.String("ca-cert", "", "Path to a CA certificate for the NATS connection")
	kvBucket := flag.String("kv-bucket", "snas", "Name of the KV bucket holding user data")
	jsDomain := flag.String("js-domain", "", "JetStream domain to use when looking up the bucket")

	adminNATS := flag.Bool("admin-nats", false, "Serve the admin API over NATS")
	userNATS := flag.Bool("user-nats", false, "Serve the user API over NATS")
	userSocket := flag.Bool("user-socket", false, "Serve the user API over a unix socket")
	adminPrefix := flag.String("admin-topic-prefix", natsapi.DefaultAdminPrefix, "Topic prefix for the admin NATS API")
	userPrefix := flag.String("user-topic-prefix", natsapi.DefaultUserPrefix, "Topic prefix for the user NATS API")
	socketFile := flag.String("socket-file", socket.DefaultPath, "Path for the user API unix socket")
	metricsAddr := flag.String("metrics-listen", "", "Address to expose Prometheus metrics on (disabled when empty)")

	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logOutput := flag.String("log-output", "stderr", "Log output (stdout or stderr)")
	flag.Parse()

	if !*adminNATS && !*userNATS && !*userSocket {
		return errNoServersEnabled
	}

	if *adminNATS && *userNATS && *adminPrefix == *userPrefix {
		return errSamePrefix
	}

	logr, err := logger.New(&logger.Config{Level: *logLevel, Output: *logOutput})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := natsutil.Connect(natsutil.ConnectConfig{
		URL:       *natsURL,
		CredsFile: *credsFile,
		Username:  *username,
		Password:  *password,
		CACert:    *caCert,
	})
	if err != nil {
		return err
	}
	defer nc.Close()

	kv, err := natsutil.EnsureBucket(ctx, nc, *kvBucket, *jsDomain, logr)
	if err != nil {
		return err
	}

	store, err := credstore.New(ctx, kv, logr)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}
	defer store.Close()

	h := handlers.New(store, logr)

	group, groupCtx := errgroup.WithContext(ctx)

	if *adminNATS {
		server, err := natsapi.NewAdminServer(nc, h, *adminPrefix, logr)
		if err != nil {
			return err
		}

		group.Go(func() error { return server.Run(groupCtx) })
	}

	if *userNATS {
		server, err := natsapi.NewUserServer(nc, h, *userPrefix, logr)
		if err != nil {
			return err
		}

		group.Go(func() error { return server.Run(groupCtx) })
	}

	if *userSocket {
		server, err := socket.NewServer(h, *socketFile, logr)
		if err != nil {
			return err
		}

		group.Go(func() error { return server.Run(groupCtx) })
	}

	if *metricsAddr != "" {
		group.Go(func() error { return serveMetrics(groupCtx, *metricsAddr, logr) })
	}

	logr.Info().Msg("Server started")

	return group.Wait()
}

func serveMetrics(ctx context.Context, addr string, logr logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error().Err(err).Msg("Error shutting down metrics server")
		}
	}()

	logr.Info().Str("addr", addr).Msg("Serving metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}

	return nil
}
