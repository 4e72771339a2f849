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

// AdminServer serves the admin API (user and group management, password
// resets) below its topic prefix.
type AdminServer struct {
	nc       *nats.Conn
	handlers *handlers.Handlers
	log      logger.Logger
	prefix   string
}

// NewAdminServer validates the prefix and builds the server. An empty prefix
// uses DefaultAdminPrefix.
func NewAdminServer(nc *nats.Conn, h *handlers.Handlers, prefix string, log logger.Logger) (*AdminServer, error) {
	prefix, err := sanitizePrefix(prefix, DefaultAdminPrefix)
	if err != nil {
		return nil, err
	}

	return &AdminServer{
		nc:       nc,
		handlers: h,
		log:      log.WithComponent("admin-api"),
		prefix:   prefix,
	}, nil
}

// Run subscribes and serves requests until the context is cancelled.
func (s *AdminServer) Run(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribeSync(s.prefix+".*", s.prefix)
	if err != nil {
		return fmt.Errorf("failed to subscribe to admin topics: %w", err)
	}
	defer sub.Unsubscribe()

	s.log.Info().Str("prefix", s.prefix).Msg("Listening for admin requests")

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("error receiving admin request: %w", err)
		}

		s.dispatch(ctx, msg)
	}
}

func (s *AdminServer) dispatch(ctx context.Context, msg *nats.Msg) {
	method := strings.TrimPrefix(msg.Subject, s.prefix+".")
	log := s.log.With().Str("method", method).Logger()

	log.Trace().Msg("Received admin request")
	metrics.BusRequestsTotal.WithLabelValues("admin", method).Inc()

	switch method {
	case "add_user":
		s.handleAddUser(ctx, msg, log)
	case "get_user":
		s.handleGetUser(ctx, msg, log)
	case "list_users":
		s.handleListUsers(ctx, msg, log)
	case "remove_user":
		s.handleRemoveUser(ctx, msg, log)
	case "reset_password":
		s.handleResetPassword(ctx, msg, log)
	case "add_groups":
		s.handleAddGroups(ctx, msg, log)
	case "remove_groups":
		s.handleRemoveGroups(ctx, msg, log)
	default:
		sendError(msg, log, fmt.Sprintf("Unknown method %s", method))
	}
}

func (s *AdminServer) handleAddUser(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.AddUserRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	if err := s.handlers.AddUser(ctx, req); err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OKEmpty[models.EmptyResponse](fmt.Sprintf("User %s added", req.Username)))
}

func (s *AdminServer) handleGetUser(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.GetUserRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	user, err := s.handlers.GetUser(ctx, req.Username)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OK("Found user", user))
}

func (s *AdminServer) handleListUsers(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	users := s.handlers.ListUsers(ctx)

	sendResponse(msg, log, models.OK("Found users", models.UserListResponse{Users: users}))
}

func (s *AdminServer) handleRemoveUser(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.DeleteUserRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	if err := s.handlers.RemoveUser(ctx, req.Username); err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OKEmpty[models.EmptyResponse](fmt.Sprintf("User %s removed", req.Username)))
}

func (s *AdminServer) handleResetPassword(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.ResetPasswordRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	resp, err := s.handlers.ResetPassword(ctx, req.Username)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OK("Password reset", resp))
}

func (s *AdminServer) handleAddGroups(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.GroupModifyRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	groups, err := s.handlers.AddGroups(ctx, req.Username, req.Groups)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OK("Groups added", models.GroupResponse{Groups: groups}))
}

func (s *AdminServer) handleRemoveGroups(ctx context.Context, msg *nats.Msg, log zerolog.Logger) {
	req, err := decodeRequest[models.GroupModifyRequest](msg)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	groups, err := s.handlers.RemoveGroups(ctx, req.Username, req.Groups)
	if err != nil {
		sendError(msg, log, err.Error())

		return
	}

	sendResponse(msg, log, models.OK("Groups removed", models.GroupResponse{Groups: groups}))
}
