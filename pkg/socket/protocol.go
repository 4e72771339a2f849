// Package socket implements the framed stream-socket protocol used by host
// authentication modules, along with its server and client.
//
// A request is "REQ\n", the method name terminated by '\n', a JSON body
// terminated by '\r', and the "\nEND\n" terminator. A response is "RES\n",
// a JSON envelope, and the same terminator.
package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

const (
	requestIdentifier  = "REQ\n"
	responseIdentifier = "RES\n"
	terminator         = "\nEND\n"

	// DefaultPath is where the server listens unless configured otherwise.
	DefaultPath = "/var/run/snas/user.sock"

	// tokenTimeout bounds each read after the initial identifier. The
	// identifier read itself blocks, since that is where a persistent
	// connection waits for its next request.
	tokenTimeout = 500 * time.Millisecond

	// drainTimeout and misbehavingLimit bound the resynchronization read
	// after a malformed request.
	drainTimeout     = 300 * time.Millisecond
	misbehavingLimit = 2048
)

var (
	errConnectionClosed = errors.New("connection closed by peer")
	errTooMuchGarbage   = errors.New("aborting connection due to too much garbage data")
)

// badRequestError marks a malformed frame that the connection can recover
// from after a drain.
type badRequestError struct {
	reason string
}

func (e *badRequestError) Error() string {
	return e.reason
}

func badRequest(format string, args ...any) error {
	return &badRequestError{reason: fmt.Sprintf(format, args...)}
}

// classifyReadErr folds the raw I/O error space into the three outcomes the
// parser cares about: peer gone, token timeout (recoverable), or a broken
// socket.
func classifyReadErr(err error, timeoutMsg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return errConnectionClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return badRequest("%s", timeoutMsg)
	}

	return fmt.Errorf("error reading from socket: %w", err)
}

// readRequest parses one request frame. The identifier read blocks
// indefinitely; every later token carries its own deadline.
func readRequest(conn net.Conn, reader *bufio.Reader) (string, []byte, error) {
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", nil, fmt.Errorf("failed to clear read deadline: %w", err)
	}

	ident := make([]byte, len(requestIdentifier))
	if _, err := io.ReadFull(reader, ident); err != nil {
		return "", nil, classifyReadErr(err, "timed out reading request identifier")
	}

	if string(ident) != requestIdentifier {
		return "", nil, badRequest("invalid request identifier: %q", ident)
	}

	if err := conn.SetReadDeadline(time.Now().Add(tokenTimeout)); err != nil {
		return "", nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	methodLine, err := reader.ReadString('\n')
	if err != nil {
		return "", nil, classifyReadErr(err, "timed out reading method")
	}

	method := methodLine[:len(methodLine)-1]
	if method == "" {
		return "", nil, badRequest("method was empty")
	}

	if !utf8.ValidString(method) {
		return "", nil, badRequest("method is not a valid string")
	}

	if err := conn.SetReadDeadline(time.Now().Add(tokenTimeout)); err != nil {
		return "", nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	body, err := reader.ReadBytes('\r')
	if err != nil {
		return "", nil, classifyReadErr(err, "timed out reading body")
	}

	body = body[:len(body)-1]

	if err := conn.SetReadDeadline(time.Now().Add(tokenTimeout)); err != nil {
		return "", nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	term := make([]byte, len(terminator))
	if _, err := io.ReadFull(reader, term); err != nil {
		return "", nil, classifyReadErr(err, "timed out reading terminator")
	}

	if string(term) != terminator {
		return "", nil, badRequest("invalid terminator: %q", term)
	}

	return method, body, nil
}

// drainGarbage resynchronizes the stream after a bad request by discarding
// whatever the peer already sent, up to misbehavingLimit bytes. Anything past
// the limit means the peer is misbehaving and the connection should die.
func drainGarbage(conn net.Conn, reader *bufio.Reader) error {
	// Empty the reader's buffer first, then read whatever else is in flight
	// directly from the socket so both are clean before the next frame.
	consumed := reader.Buffered()
	if consumed > 0 {
		if _, err := reader.Discard(consumed); err != nil {
			return fmt.Errorf("failed to discard buffered data: %w", err)
		}
	}

	if consumed >= misbehavingLimit {
		return errTooMuchGarbage
	}

	remaining := misbehavingLimit - consumed

	if err := conn.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}

	buf := make([]byte, remaining)

	n, err := conn.Read(buf)

	switch {
	case err == nil && n == remaining:
		return errTooMuchGarbage
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return errConnectionClosed
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Nothing left to drain.
			return nil
		}

		return fmt.Errorf("error draining socket: %w", err)
	}
}

// encodeRequest builds a complete request frame.
func encodeRequest(method string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request body: %w", err)
	}

	buf := make([]byte, 0, len(requestIdentifier)+len(method)+1+len(payload)+1+len(terminator))
	buf = append(buf, requestIdentifier...)
	buf = append(buf, method...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	buf = append(buf, '\r')
	buf = append(buf, terminator...)

	return buf, nil
}

// encodeResponse builds a complete response frame.
func encodeResponse(body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response body: %w", err)
	}

	buf := make([]byte, 0, len(responseIdentifier)+len(payload)+1+len(terminator))
	buf = append(buf, responseIdentifier...)
	buf = append(buf, payload...)
	buf = append(buf, '\r')
	buf = append(buf, terminator...)

	return buf, nil
}

// readResponse parses one response frame from the server.
func readResponse(reader *bufio.Reader) ([]byte, error) {
	ident := make([]byte, len(responseIdentifier))
	if _, err := io.ReadFull(reader, ident); err != nil {
		return nil, fmt.Errorf("failed to read response identifier: %w", err)
	}

	if string(ident) != responseIdentifier {
		return nil, fmt.Errorf("got malformed response identifier: %q", ident)
	}

	body, err := reader.ReadBytes('\r')
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	body = body[:len(body)-1]

	term := make([]byte, len(terminator))
	if _, err := io.ReadFull(reader, term); err != nil {
		return nil, fmt.Errorf("failed to read response terminator: %w", err)
	}

	if string(term) != terminator {
		return nil, fmt.Errorf("got malformed response terminator: %q", term)
	}

	return body, nil
}
