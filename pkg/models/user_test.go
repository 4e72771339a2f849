package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRecordRoundTrip(t *testing.T) {
	t.Parallel()

	record := &UserRecord{
		HashedPassword: NewSecret("$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"),
		PasswordReset:  &ResetPhase{Kind: ResetPhaseReset, ExpiresAt: 1700000000},
		Groups:         []string{"wheel", "admin"},
	}

	data, err := EncodeRecord(record)
	require.NoError(t, err)

	decoded, err := DecodeRecord(data)
	require.NoError(t, err)

	assert.Equal(t, record.HashedPassword.Reveal(), decoded.HashedPassword.Reveal())
	require.NotNil(t, decoded.PasswordReset)
	assert.Equal(t, ResetPhaseReset, decoded.PasswordReset.Kind)
	assert.Equal(t, uint64(1700000000), decoded.PasswordReset.ExpiresAt)
	// Encoding normalizes group order.
	assert.Equal(t, []string{"admin", "wheel"}, decoded.Groups)
}

func TestEncodeRecordIsDeterministic(t *testing.T) {
	t.Parallel()

	record := &UserRecord{
		HashedPassword: NewSecret("hash"),
		Groups:         []string{"b", "a", "b"},
	}

	first, err := EncodeRecord(record)
	require.NoError(t, err)

	second, err := EncodeRecord(record)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeRecord([]byte("not cbor at all"))
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	record := &UserRecord{
		HashedPassword: NewSecret("hash"),
		PasswordReset:  &ResetPhase{Kind: ResetPhaseInitialLogin, ExpiresAt: 42},
		Groups:         []string{"admin"},
	}

	clone := record.Clone()
	clone.Groups[0] = "other"
	clone.PasswordReset.Kind = ResetPhaseLocked

	assert.Equal(t, []string{"admin"}, record.Groups)
	assert.Equal(t, ResetPhaseInitialLogin, record.PasswordReset.Kind)

	var nilRecord *UserRecord
	assert.Nil(t, nilRecord.Clone())
}

func TestNormalizeGroups(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, NormalizeGroups([]string{"b", "a", "b", ""}))
	assert.Empty(t, NormalizeGroups(nil))
}

func TestGroupArithmetic(t *testing.T) {
	t.Parallel()

	record := &UserRecord{Groups: []string{"admin"}}

	assert.Equal(t, []string{"admin", "wheel"}, record.AddGroups([]string{"wheel", "admin"}))
	assert.Equal(t, []string{"wheel"}, record.RemoveGroups([]string{"admin", "missing"}))
	assert.Empty(t, record.RemoveGroups([]string{"wheel"}))
}

func TestResetPhaseJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ResetPhase{Kind: ResetPhaseReset, ExpiresAt: 1700000000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"reset","expires_at":1700000000}`, string(data))

	data, err = json.Marshal(ResetPhase{Kind: ResetPhaseLocked})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"locked"}`, string(data))

	var phase ResetPhase
	require.NoError(t, json.Unmarshal([]byte(`{"phase":"initial_login","expires_at":7}`), &phase))
	assert.Equal(t, ResetPhaseInitialLogin, phase.Kind)
	assert.Equal(t, uint64(7), phase.ExpiresAt)

	require.Error(t, json.Unmarshal([]byte(`{"phase":"bogus"}`), &phase))
}
