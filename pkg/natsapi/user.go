package natsapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/thomastaylor312/snas/pkg/handlers"
	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/metrics"
	"github.com/thomastaylor312/snas/pkg/models"
)

// UserServer serves the user API (verify, change_password) below its topic
// prefix.
type UserServer struct {
	nc       *nats.Conn
	handlers *handlers.Handlers
	log      logger.Logger
	prefix   string
}

// NewUserServer validates the prefix and builds the server. An empty prefix
// uses DefaultUserPrefix.
func NewUserServer(nc *nats.Conn, h *handlers.Handlers, prefix string, log logger.Logger) (*UserServer, error) {
	prefix, err := sanitizePrefix(prefix, DefaultUserPrefix)
	if err != nil {
		return nil, err
	}

	return &UserServer{
		nc:       nc,
		handlers: h,
		log:      log.WithComponent("user-api"),
		prefix:   prefix,
	}, nil
}

// Run subscribes and serves requests until the context is cancelled.
func (s *UserServer) Run(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribeSync(s.prefix+".*", s.prefix)
	if err != nil {
		return fmt.Errorf("failed to subscribe to user topics: %w", err)
	}
	defer sub.Unsubscribe()

	s.log.Info().Str("prefix", s.prefix).Msg("Listening for user requests")

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("error receiving user request: %w", err)
		}

		s.dispatch(ctx, msg)
	}
}

func (s *UserServer) dispatch(ctx context.Context, msg *nats.Msg) {
	method := strings.TrimPrefix(msg.Subject, s.prefix+".")
	log := s.log.With().Str("method", method).Logger()

	log.Trace().Msg("Received user request")
	metrics.BusRequestsTotal.WithLabelValues("user", method).Inc()

	switch method {
	case "verify":
		s.handleVerify(ctx, msg, log)
	case "change_password":
		s.handleChangePassword(ctx, msg, log)
	default:
		sendError(msg, log, fmt.Sprintf("Unknown method %s", method))
	}
}

func (s *UserServer) handleVerify(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.VerifyRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	resp, err := s.handlers.Verify(ctx, req.Username, req.Password)

	// Wrong credentials and expired resets are successful verifications that
	// report invalid. Only infrastructure failures surface as errors.
	switch {
	case err == nil:
		sendResponse(msg, log, models.OK("Verification succeeded", resp))
	case errors.Is(err, handlers.ErrInvalidCredentials):
		sendResponse(msg, log, models.OK("Verification failed", models.VerifyResponse{
			Valid:   false,
			Message: err.Error(),
			Groups:  []string{},
		}))
	case errors.Is(err, handlers.ErrPasswordResetExpired):
		sendResponse(msg, log, models.OK("Verification failed", models.VerifyResponse{
			Valid:              false,
			Message:            err.Error(),
			NeedsPasswordReset: true,
			Groups:             []string{},
		}))
	default:
		sendError(msg, log, fmt.Sprintf("verification failed: %s", err))
	}
}

func (s *UserServer) handleChangePassword(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.ChangePasswordRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	if err := s.handlers.ChangePassword(ctx, req.Username, req.OldPassword, req.NewPassword); err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OKEmpty[models.EmptyResponse]("password changed"))
}
