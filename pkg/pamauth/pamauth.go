// Package pamauth is the embedding surface for host authentication modules.
// It wraps the socket client behind plain synchronous calls and keeps one
// shared connection for the life of the process.
package pamauth

import (
	"os"
	"sync"

	"github.com/thomastaylor312/snas/pkg/models"
	"github.com/thomastaylor312/snas/pkg/socket"
)

// SocketPathEnv overrides the socket path the shared client dials.
const SocketPathEnv = "SNAS_PAM_SOCKET_PATH"

var (
	clientOnce sync.Once
	client     *socket.Client
	clientErr  error
)

func sharedClient() (*socket.Client, error) {
	clientOnce.Do(func() {
		path := os.Getenv(SocketPathEnv)
		if path == "" {
			path = socket.DefaultPath
		}

		client, clientErr = socket.NewClient(path)
	})

	return client, clientErr
}

// Verify checks the given credentials against the local service.
func Verify(username, password string) (models.VerifyResponse, error) {
	c, err := sharedClient()
	if err != nil {
		return models.VerifyResponse{}, err
	}

	return c.Verify(username, models.NewSecret(password))
}

// ChangePassword replaces the user's password, authenticating with the
// current one.
func ChangePassword(username, oldPassword, newPassword string) error {
	c, err := sharedClient()
	if err != nil {
		return err
	}

	return c.ChangePassword(username, models.NewSecret(oldPassword), models.NewSecret(newPassword))
}
