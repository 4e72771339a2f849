package natsapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/thomastaylor312/snas/pkg/models"
)

// BusClient issues requests against the admin and user APIs over NATS.
type BusClient struct {
	nc          *nats.Conn
	adminPrefix string
	userPrefix  string
}

// NewBusClient builds a client for the given topic prefixes. Empty prefixes
// use the defaults.
func NewBusClient(nc *nats.Conn, adminPrefix, userPrefix string) (*BusClient, error) {
	adminPrefix, err := sanitizePrefix(adminPrefix, DefaultAdminPrefix)
	if err != nil {
		return nil, err
	}

	userPrefix, err = sanitizePrefix(userPrefix, DefaultUserPrefix)
	if err != nil {
		return nil, err
	}

	return &BusClient{nc: nc, adminPrefix: adminPrefix, userPrefix: userPrefix}, nil
}

// request performs one request/reply round trip and decodes the envelope.
func request[T any](ctx context.Context, c *BusClient, subject string, body any) (models.Envelope[T], error) {
	var envelope models.Envelope[T]

	data, err := json.Marshal(body)
	if err != nil {
		return envelope, fmt.Errorf("failed to serialize request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return envelope, fmt.Errorf("request to %s failed: %w", subject, err)
	}

	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return envelope, fmt.Errorf("failed to deserialize response: %w", err)
	}

	return envelope, nil
}

// AddUser creates a new user.
func (c *BusClient) AddUser(ctx context.Context, req models.AddUserRequest) error {
	envelope, err := request[models.EmptyResponse](ctx, c, c.adminPrefix+".add_user", req)
	if err != nil {
		return err
	}

	return envelope.IntoEmpty()
}

// GetUser fetches the admin view of a user.
func (c *BusClient) GetUser(ctx context.Context, username string) (models.UserResponse, error) {
	envelope, err := request[models.UserResponse](ctx, c, c.adminPrefix+".get_user", models.GetUserRequest{Username: username})
	if err != nil {
		return models.UserResponse{}, err
	}

	return envelope.IntoRequired()
}

// ListUsers returns all usernames.
func (c *BusClient) ListUsers(ctx context.Context) (models.UserListResponse, error) {
	envelope, err := request[models.UserListResponse](ctx, c, c.adminPrefix+".list_users", struct{}{})
	if err != nil {
		return models.UserListResponse{}, err
	}

	return envelope.IntoRequired()
}

// RemoveUser deletes a user and its history.
func (c *BusClient) RemoveUser(ctx context.Context, username string) error {
	envelope, err := request[models.EmptyResponse](ctx, c, c.adminPrefix+".remove_user", models.DeleteUserRequest{Username: username})
	if err != nil {
		return err
	}

	return envelope.IntoEmpty()
}

// ResetPassword generates a temporary password for the user.
func (c *BusClient) ResetPassword(ctx context.Context, username string) (models.ResetPasswordResponse, error) {
	envelope, err := request[models.ResetPasswordResponse](ctx, c, c.adminPrefix+".reset_password", models.ResetPasswordRequest{Username: username})
	if err != nil {
		return models.ResetPasswordResponse{}, err
	}

	return envelope.IntoRequired()
}

// AddGroups adds groups to a user and returns the resulting set.
func (c *BusClient) AddGroups(ctx context.Context, username string, groups []string) (models.GroupResponse, error) {
	envelope, err := request[models.GroupResponse](ctx, c, c.adminPrefix+".add_groups", models.GroupModifyRequest{Username: username, Groups: groups})
	if err != nil {
		return models.GroupResponse{}, err
	}

	return envelope.IntoRequired()
}

// RemoveGroups removes groups from a user and returns the resulting set.
func (c *BusClient) RemoveGroups(ctx context.Context, username string, groups []string) (models.GroupResponse, error) {
	envelope, err := request[models.GroupResponse](ctx, c, c.adminPrefix+".remove_groups", models.GroupModifyRequest{Username: username, Groups: groups})
	if err != nil {
		return models.GroupResponse{}, err
	}

	return envelope.IntoRequired()
}

// Verify checks the given credentials against the user API.
func (c *BusClient) Verify(ctx context.Context, username string, password models.SecretString) (models.VerifyResponse, error) {
	envelope, err := request[models.VerifyResponse](ctx, c, c.userPrefix+".verify", models.VerifyRequest{Username: username, Password: password})
	if err != nil {
		return models.VerifyResponse{}, err
	}

	return envelope.IntoRequired()
}

// ChangePassword replaces the user's password over the user API.
func (c *BusClient) ChangePassword(ctx context.Context, username string, oldPassword, newPassword models.SecretString) error {
	envelope, err := request[models.EmptyResponse](ctx, c, c.userPrefix+".change_password", models.ChangePasswordRequest{
		Username:    username,
		OldPassword: oldPassword,
		NewPassword: newPassword,
	})
	if err != nil {
		return err
	}

	return envelope.IntoEmpty()
}
