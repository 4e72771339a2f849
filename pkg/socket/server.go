package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thomastaylor312/snas/pkg/handlers"
	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/metrics"
	"github.com/thomastaylor312/snas/pkg/models"
)

// Server answers user API requests (verify, change_password) over a unix
// stream socket. Connections are long-lived and handled one request at a
// time.
type Server struct {
	handlers *handlers.Handlers
	log      logger.Logger
	path     string
	listener net.Listener
}

// NewServer binds the socket, replacing any stale file at the path, and
// restricts it to the owning user.
func NewServer(h *handlers.Handlers, path string, log logger.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket file: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to bind socket %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o700); err != nil {
		listener.Close()

		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	return &Server{
		handlers: h,
		log:      log.WithComponent("socket"),
		path:     path,
		listener: listener,
	}, nil
}

// Run accepts connections until the context is cancelled. In-flight requests
// are allowed to complete.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.log.Info().Str("path", s.path).Msg("Listening on user socket")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to accept connection: %w", err)
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.log.With().Str("conn_id", uuid.New().String()).Logger()
	reader := bufio.NewReader(conn)

	for {
		method, body, err := readRequest(conn, reader)

		var badReq *badRequestError

		switch {
		case errors.Is(err, errConnectionClosed):
			log.Trace().Msg("Client disconnected")

			return
		case errors.As(err, &badReq):
			if drainErr := drainGarbage(conn, reader); drainErr != nil {
				if !errors.Is(drainErr, errConnectionClosed) {
					log.Error().Err(drainErr).Msg("Closing connection after bad request")
				}

				return
			}

			log.Debug().Str("reason", badReq.reason).Msg("Received bad request")
			s.sendError(conn, log, badReq.reason)

			continue
		case err != nil:
			log.Error().Err(err).Msg("Error reading from socket")

			return
		}

		log.Trace().Str("method", method).Int("len", len(body)).Msg("Received request")

		switch method {
		case "verify":
			s.handleVerify(ctx, conn, log, body)
		case "change_password":
			s.handleChangePassword(ctx, conn, log, body)
		default:
			metrics.SocketRequestsTotal.WithLabelValues(method, "unknown").Inc()
			s.sendError(conn, log, fmt.Sprintf("Unknown method %s", method))
		}
	}
}

func (s *Server) handleVerify(ctx context.Context, conn net.Conn, log zerolog.Logger, body []byte) {
	var req models.VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.SocketRequestsTotal.WithLabelValues("verify", "bad_request").Inc()
		s.sendError(conn, log, fmt.Sprintf("Error parsing verification request: %s", err))

		return
	}

	resp, err := s.handlers.Verify(ctx, req.Username, req.Password)

	switch {
	case err == nil:
		metrics.SocketRequestsTotal.WithLabelValues("verify", "ok").Inc()
		s.sendResponse(conn, log, models.OK("Verification succeeded", resp))
	case errors.Is(err, handlers.ErrInvalidCredentials):
		metrics.SocketRequestsTotal.WithLabelValues("verify", "ok").Inc()
		s.sendResponse(conn, log, models.OK("Verification failed", models.VerifyResponse{
			Valid:   false,
			Message: err.Error(),
			Groups:  []string{},
		}))
	case errors.Is(err, handlers.ErrPasswordResetExpired):
		metrics.SocketRequestsTotal.WithLabelValues("verify", "ok").Inc()
		s.sendResponse(conn, log, models.OK("Verification failed", models.VerifyResponse{
			Valid:              false,
			Message:            err.Error(),
			NeedsPasswordReset: true,
			Groups:             []string{},
		}))
	default:
		metrics.SocketRequestsTotal.WithLabelValues("verify", "error").Inc()
		s.sendError(conn, log, fmt.Sprintf("verification failed: %s", err))
	}
}

func (s *Server) handleChangePassword(ctx context.Context, conn net.Conn, log zerolog.Logger, body []byte) {
	var req models.ChangePasswordRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.SocketRequestsTotal.WithLabelValues("change_password", "bad_request").Inc()
		s.sendError(conn, log, fmt.Sprintf("Error parsing password change request: %s", err))

		return
	}

	if err := s.handlers.ChangePassword(ctx, req.Username, req.OldPassword, req.NewPassword); err != nil {
		metrics.SocketRequestsTotal.WithLabelValues("change_password", "error").Inc()
		s.sendError(conn, log, fmt.Sprintf("password change failed: %s", err))

		return
	}

	metrics.SocketRequestsTotal.WithLabelValues("change_password", "ok").Inc()
	s.sendResponse(conn, log, models.OKEmpty[models.EmptyResponse]("password changed"))
}

func (s *Server) sendError(conn net.Conn, log zerolog.Logger, message string) {
	s.sendResponse(conn, log, models.Failure[models.EmptyResponse](message))
}

func (s *Server) sendResponse(conn net.Conn, log zerolog.Logger, response any) {
	data, err := encodeResponse(response)
	if err != nil {
		log.Error().Err(err).Msg("Error serializing response")

		return
	}

	if _, err := conn.Write(data); err != nil {
		log.Error().Err(err).Msg("Error sending response")
	}
}
