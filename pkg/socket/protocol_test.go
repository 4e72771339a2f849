package socket

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomastaylor312/snas/pkg/models"
)

// pipeConn returns both ends of an in-memory connection with a reader wrapped
// around the server side.
func pipeConn(t *testing.T) (client, srv net.Conn, reader *bufio.Reader) {
	t.Helper()

	client, srv = net.Pipe()
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})

	return client, srv, bufio.NewReader(srv)
}

func TestReadRequestParsesValidFrame(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	frame, err := encodeRequest("verify", models.VerifyRequest{
		Username: "foo",
		Password: models.NewSecret("supersecret"),
	})
	require.NoError(t, err)

	go func() {
		client.Write(frame)
	}()

	method, body, err := readRequest(srv, reader)
	require.NoError(t, err)
	assert.Equal(t, "verify", method)
	assert.JSONEq(t, `{"username":"foo","password":"supersecret"}`, string(body))
}

func TestReadRequestParsesBackToBackFrames(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	first, err := encodeRequest("verify", models.VerifyRequest{Username: "foo"})
	require.NoError(t, err)

	second, err := encodeRequest("change_password", models.ChangePasswordRequest{Username: "foo"})
	require.NoError(t, err)

	go func() {
		client.Write(append(append([]byte{}, first...), second...))
	}()

	method, _, err := readRequest(srv, reader)
	require.NoError(t, err)
	assert.Equal(t, "verify", method)

	method, _, err = readRequest(srv, reader)
	require.NoError(t, err)
	assert.Equal(t, "change_password", method)
}

func TestReadRequestRejectsBadIdentifier(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	go func() {
		client.Write([]byte("GET /index.html HTTP/1.1\r\n"))
	}()

	_, _, err := readRequest(srv, reader)

	var badReq *badRequestError

	require.ErrorAs(t, err, &badReq)
}

func TestReadRequestRejectsEmptyMethod(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	go func() {
		client.Write([]byte("REQ\n\n{}\r\nEND\n"))
	}()

	_, _, err := readRequest(srv, reader)

	var badReq *badRequestError

	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, badReq.reason, "method was empty")
}

func TestReadRequestRejectsBadTerminator(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	go func() {
		client.Write([]byte("REQ\nverify\n{}\rXXXXX"))
	}()

	_, _, err := readRequest(srv, reader)

	var badReq *badRequestError

	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, badReq.reason, "invalid terminator")
}

func TestReadRequestTimesOutMidFrame(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	// Identifier and method arrive, then the peer stalls.
	go func() {
		client.Write([]byte("REQ\nverify\n"))
	}()

	start := time.Now()
	_, _, err := readRequest(srv, reader)

	var badReq *badRequestError

	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, badReq.reason, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReadRequestReportsClosedConnection(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	go func() {
		client.Close()
	}()

	_, _, err := readRequest(srv, reader)
	require.ErrorIs(t, err, errConnectionClosed)
}

func TestDrainGarbageRecovers(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	go func() {
		client.Write([]byte("XXXX some leftover garbage"))
	}()

	_, _, err := readRequest(srv, reader)

	var badReq *badRequestError

	require.ErrorAs(t, err, &badReq)
	require.NoError(t, drainGarbage(srv, reader))
}

func TestDrainGarbageAbortsOnFlood(t *testing.T) {
	t.Parallel()

	client, srv, reader := pipeConn(t)

	garbage := make([]byte, 3000)
	for i := range garbage {
		garbage[i] = 'x'
	}

	go func() {
		client.Write(garbage)
	}()

	_, _, err := readRequest(srv, reader)

	var badReq *badRequestError

	require.ErrorAs(t, err, &badReq)
	require.ErrorIs(t, drainGarbage(srv, reader), errTooMuchGarbage)
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	frame, err := encodeResponse(models.OKEmpty[models.EmptyResponse]("done"))
	require.NoError(t, err)

	body, err := readResponse(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"done"}`, string(body))
}

func TestReadResponseRejectsBadIdentifier(t *testing.T) {
	t.Parallel()

	_, err := readResponse(bufio.NewReader(bytes.NewReader([]byte("NOPE\n{}\r\nEND\n"))))
	require.Error(t, err)
	assert.False(t, errors.Is(err, errConnectionClosed))
}
