package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomastaylor312/snas/pkg/credstore"
	"github.com/thomastaylor312/snas/pkg/handlers"
	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/models"
)

func setupServer(t *testing.T) (*handlers.Handlers, string) {
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

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "test-users", History: 4})
	require.NoError(t, err)

	store, err := credstore.New(ctx, kv, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	h := handlers.New(store, logger.NewTestLogger())

	path := filepath.Join(t.TempDir(), "user.sock")

	socketServer, err := NewServer(h, path, logger.NewTestLogger())
	require.NoError(t, err)

	serverCtx, stopServer := context.WithCancel(context.Background())
	t.Cleanup(stopServer)

	go func() {
		if err := socketServer.Run(serverCtx); err != nil {
			t.Errorf("socket server exited: %v", err)
		}
	}()

	return h, path
}

func readOneResponse(t *testing.T, conn net.Conn, reader *bufio.Reader) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	body, err := readResponse(reader)
	require.NoError(t, err)

	return body
}

func TestSocketVerifyAndChangePassword(t *testing.T) {
	t.Parallel()

	h, path := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.AddUser(ctx, models.AddUserRequest{
		Username: "foo",
		Password: models.NewSecret("supersecret"),
		Groups:   []string{"admin"},
	}))

	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Verify("foo", models.NewSecret("supersecret"))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, []string{"admin"}, resp.Groups)

	// Wrong credentials come back as a successful response with valid=false.
	resp, err = client.Verify("foo", models.NewSecret("wrong"))
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Message)

	resp, err = client.Verify("nobody", models.NewSecret("whatever"))
	require.NoError(t, err)
	assert.False(t, resp.Valid)

	require.NoError(t, client.ChangePassword("foo", models.NewSecret("supersecret"), models.NewSecret("evenmoresecret")))

	resp, err = client.Verify("foo", models.NewSecret("evenmoresecret"))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}

func TestSocketExpiredResetReportsNeedsReset(t *testing.T) {
	t.Parallel()

	h, path := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.AddUser(ctx, models.AddUserRequest{
		Username:            "foo",
		Password:            models.NewSecret("temporary"),
		ForcePasswordChange: true,
	}))

	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	// Burn the single use, then try again to hit the locked path.
	resp, err := client.Verify("foo", models.NewSecret("temporary"))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.True(t, resp.NeedsPasswordReset)

	resp, err = client.Verify("foo", models.NewSecret("temporary"))
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.True(t, resp.NeedsPasswordReset)
}

func TestSocketConnectionSurvivesGarbage(t *testing.T) {
	t.Parallel()

	h, path := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.AddUser(ctx, models.AddUserRequest{
		Username: "foo",
		Password: models.NewSecret("supersecret"),
	}))

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// Garbage first. The server drains it and answers with an error envelope.
	_, err = conn.Write([]byte("complete nonsense"))
	require.NoError(t, err)

	raw := readOneResponse(t, conn, reader)

	var failed models.Envelope[models.EmptyResponse]
	require.NoError(t, json.Unmarshal(raw, &failed))
	assert.False(t, failed.Success)

	// The same connection still serves a well-formed request afterwards.
	frame, err := encodeRequest("verify", models.VerifyRequest{
		Username: "foo",
		Password: models.NewSecret("supersecret"),
	})
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	raw = readOneResponse(t, conn, reader)

	var ok models.Envelope[models.VerifyResponse]
	require.NoError(t, json.Unmarshal(raw, &ok))
	require.True(t, ok.Success)

	resp, err := ok.IntoRequired()
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}

func TestSocketUnknownMethod(t *testing.T) {
	t.Parallel()

	_, path := setupServer(t)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	frame, err := encodeRequest("make_coffee", struct{}{})
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	raw := readOneResponse(t, conn, reader)

	var envelope models.Envelope[models.EmptyResponse]
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.False(t, envelope.Success)
	assert.Contains(t, envelope.Message, "Unknown method")
}

func TestClientReconnectsAfterServerClosesConn(t *testing.T) {
	t.Parallel()

	h, path := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.AddUser(ctx, models.AddUserRequest{
		Username: "foo",
		Password: models.NewSecret("supersecret"),
	}))

	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Verify("foo", models.NewSecret("supersecret"))
	require.NoError(t, err)
	require.True(t, resp.Valid)

	// Kill the connection out from under the client. The next request should
	// transparently redial.
	client.mu.Lock()
	client.conn.Close()
	client.mu.Unlock()

	resp, err = client.Verify("foo", models.NewSecret("supersecret"))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}
