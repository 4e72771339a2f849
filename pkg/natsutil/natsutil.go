// Package natsutil holds the NATS connection and bucket bootstrap helpers
// shared by the server binary and the admin CLI.
package natsutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/thomastaylor312/snas/pkg/logger"
)

const bucketHistory = 4

var errConflictingCredentials = errors.New("a credentials file is mutually exclusive with username/password")

// ConnectConfig describes how to reach and authenticate with the NATS server.
// CredsFile is preferred; Username/Password must be set together and are
// mutually exclusive with CredsFile.
type ConnectConfig struct {
	URL       string
	CredsFile string
	Username  string
	Password  string
	CACert    string
}

// Connect establishes a NATS connection using the given config.
func Connect(cfg ConnectConfig, extraOpts ...nats.Option) (*nats.Conn, error) {
	opts := make([]nats.Option, 0, len(extraOpts)+3)

	if cfg.CACert != "" {
		opts = append(opts, nats.RootCAs(cfg.CACert))
	}

	switch {
	case cfg.CredsFile != "" && (cfg.Username != "" || cfg.Password != ""):
		return nil, errConflictingCredentials
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return nc, nil
}

// EnsureBucket fetches the named KV bucket, creating it with durable storage
// and a history depth of 4 when it does not exist. Production deployments
// should create their own bucket with proper replication settings; the
// creation path here is a convenience for getting started.
func EnsureBucket(ctx context.Context, nc *nats.Conn, bucket, domain string, log logger.Logger) (jetstream.KeyValue, error) {
	var (
		js  jetstream.JetStream
		err error
	)

	if domain != "" {
		js, err = jetstream.NewWithDomain(nc, domain)
	} else {
		js, err = jetstream.New(nc)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}

	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up KV bucket %s: %w", bucket, err)
	}

	log.Warn().Str("bucket", bucket).Msg("KV bucket doesn't exist, creating it. Create your own bucket with proper replication settings for production use")

	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err = js.CreateKeyValue(createCtx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Bucket for storing SNAS data",
		History:     bucketHistory,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}

	return kv, nil
}
