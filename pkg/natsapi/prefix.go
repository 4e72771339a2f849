// Package natsapi implements the admin and user APIs over NATS request/reply,
// plus the client for both.
//
// Each server subscribes to a single-token wildcard below its topic prefix
// with a queue group named after the prefix, so replicas share the load and
// exactly one instance answers each request.
package natsapi

import (
	"fmt"
	"strings"
)

const (
	// DefaultAdminPrefix is the topic prefix for the admin API.
	DefaultAdminPrefix = "snas.admin"
	// DefaultUserPrefix is the topic prefix for the user API.
	DefaultUserPrefix = "snas.user"
)

// sanitizePrefix normalizes a configured topic prefix, substituting the
// default when it is empty. A trailing period would produce an empty subject
// token and is rejected.
func sanitizePrefix(prefix, fallback string) (string, error) {
	prefix = strings.TrimSpace(prefix)

	if prefix == "" {
		return fallback, nil
	}

	if strings.HasSuffix(prefix, ".") {
		return "", fmt.Errorf("topic prefix %q must not end with a period", prefix)
	}

	return prefix, nil
}
