package credstore

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/models"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}

func testBucket(t *testing.T, srv *server.Server) (jetstream.KeyValue, *nats.Conn) {
	t.Helper()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  "test-users",
		History: 4,
	})
	require.NoError(t, err)

	return kv, nc
}

func testRecord(t *testing.T, hash string, groups ...string) *models.UserRecord {
	t.Helper()

	return &models.UserRecord{
		HashedPassword: models.NewSecret(hash),
		Groups:         groups,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	srv := runJetStreamServer(t)
	kv, _ := testBucket(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	defer store.Close()

	exists, err := store.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, store.Get("foo"))

	require.NoError(t, store.Put(ctx, "foo", testRecord(t, "hash-foo", "admin")))
	require.NoError(t, store.Put(ctx, "bar", testRecord(t, "hash-bar")))

	exists, err = store.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, exists)

	record := store.Get("foo")
	require.NotNil(t, record)
	assert.Equal(t, "hash-foo", record.HashedPassword.Reveal())
	assert.Equal(t, []string{"admin"}, record.Groups)

	assert.Equal(t, []string{"bar", "foo"}, store.List())

	require.NoError(t, store.Delete(ctx, "foo"))
	assert.Nil(t, store.Get("foo"))
	assert.Equal(t, []string{"bar"}, store.List())

	// Purging an absent key is fine.
	require.NoError(t, store.Delete(ctx, "foo"))
}

func TestStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()

	srv := runJetStreamServer(t)
	kv, _ := testBucket(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "foo", testRecord(t, "hash", "admin")))

	first := store.Get("foo")
	first.Groups[0] = "mangled"

	second := store.Get("foo")
	assert.Equal(t, []string{"admin"}, second.Groups)
}

func TestStoreInitializesFromExistingBucket(t *testing.T) {
	t.Parallel()

	srv := runJetStreamServer(t)
	kv, _ := testBucket(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, first.Put(ctx, "foo", testRecord(t, "hash-foo", "admin")))
	require.NoError(t, first.Put(ctx, "bar", testRecord(t, "hash-bar")))
	first.Close()

	second, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, []string{"bar", "foo"}, second.List())

	record := second.Get("foo")
	require.NotNil(t, record)
	assert.Equal(t, "hash-foo", record.HashedPassword.Reveal())
}

func TestStoreReplicasConverge(t *testing.T) {
	t.Parallel()

	srv := runJetStreamServer(t)
	kv, _ := testBucket(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	writer, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	defer writer.Close()

	reader, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, writer.Put(ctx, "foo", testRecord(t, "hash-foo", "admin")))

	require.Eventually(t, func() bool {
		return reader.Get("foo") != nil
	}, 2*time.Second, 20*time.Millisecond, "replica did not observe the write")

	require.NoError(t, writer.Delete(ctx, "foo"))

	require.Eventually(t, func() bool {
		return reader.Get("foo") == nil
	}, 2*time.Second, 20*time.Millisecond, "replica did not observe the delete")
}

func TestStorePutDetectsLostRace(t *testing.T) {
	t.Parallel()

	srv := runJetStreamServer(t)
	kv, _ := testBucket(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "foo", testRecord(t, "hash-one")))

	// Simulate another replica writing between our read and our update.
	record := store.Get("foo")
	value, err := models.EncodeRecord(testRecord(t, "hash-two"))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "foo")
	require.NoError(t, err)
	_, err = kv.Update(ctx, "foo", value, entry.Revision())
	require.NoError(t, err)

	// Our CAS is per-call: the next Put rereads the revision, so it succeeds
	// and wins. The important part is that a stale in-flight revision fails.
	staleEntry := entry
	_, err = kv.Update(ctx, "foo", value, staleEntry.Revision())
	require.Error(t, err)

	require.NoError(t, store.Put(ctx, "foo", record))
}
