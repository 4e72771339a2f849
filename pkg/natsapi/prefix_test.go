package natsapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePrefix(t *testing.T) {
	t.Parallel()

	prefix, err := sanitizePrefix("", DefaultAdminPrefix)
	require.NoError(t, err)
	assert.Equal(t, "snas.admin", prefix)

	prefix, err = sanitizePrefix("  ", DefaultUserPrefix)
	require.NoError(t, err)
	assert.Equal(t, "snas.user", prefix)

	prefix, err = sanitizePrefix("custom.prefix", DefaultAdminPrefix)
	require.NoError(t, err)
	assert.Equal(t, "custom.prefix", prefix)

	_, err = sanitizePrefix("trailing.", DefaultAdminPrefix)
	require.Error(t, err)
}
