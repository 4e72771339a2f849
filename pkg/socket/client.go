package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/thomastaylor312/snas/pkg/models"
)

// Client talks to the user socket server. It holds a single persistent
// connection and serializes requests over it; a connection the server has
// since dropped is re-dialed once before the request fails.
type Client struct {
	mu     sync.Mutex
	path   string
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient dials the server at the given path. An empty path uses
// DefaultPath.
func NewClient(path string) (*Client, error) {
	if path == "" {
		path = DefaultPath
	}

	c := &Client{path: path}

	if err := c.dial(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) dial() error {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.path, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.reader = nil

	return err
}

// isStaleConn reports whether the error means the server side of a persistent
// connection went away, which a fresh dial can fix.
func isStaleConn(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOTCONN) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) roundTrip(frame []byte) ([]byte, error) {
	body, err := c.attempt(frame)
	if err == nil || !isStaleConn(err) {
		return body, err
	}

	// The server may have closed an idle connection. Reconnect once.
	c.conn.Close()

	if err := c.dial(); err != nil {
		return nil, err
	}

	return c.attempt(frame)
}

func (c *Client) attempt(frame []byte) ([]byte, error) {
	if _, err := c.conn.Write(frame); err != nil {
		return nil, err
	}

	return readResponse(c.reader)
}

// doRequest sends one framed request and decodes the response envelope.
func doRequest[T any](c *Client, method string, body any) (models.Envelope[T], error) {
	var envelope models.Envelope[T]

	frame, err := encodeRequest(method, body)
	if err != nil {
		return envelope, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dial(); err != nil {
			return envelope, err
		}
	}

	raw, err := c.roundTrip(frame)
	if err != nil {
		return envelope, fmt.Errorf("request failed: %w", err)
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return envelope, fmt.Errorf("failed to deserialize response: %w", err)
	}

	return envelope, nil
}

// Verify checks the given credentials. The returned response reports validity
// rather than an error when the credentials are simply wrong.
func (c *Client) Verify(username string, password models.SecretString) (models.VerifyResponse, error) {
	envelope, err := doRequest[models.VerifyResponse](c, "verify", models.VerifyRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return models.VerifyResponse{}, err
	}

	return envelope.IntoRequired()
}

// ChangePassword replaces the user's password, authenticating with the
// current one.
func (c *Client) ChangePassword(username string, oldPassword, newPassword models.SecretString) error {
	envelope, err := doRequest[models.EmptyResponse](c, "change_password", models.ChangePasswordRequest{
		Username:    username,
		OldPassword: oldPassword,
		NewPassword: newPassword,
	})
	if err != nil {
		return err
	}

	return envelope.IntoEmpty()
}
