// Package models contains the persisted and wire-level types shared by the
// credential store, the request handlers, and the transport servers.
package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ResetPhaseKind enumerates the states of the password-reset lifecycle.
type ResetPhaseKind uint8

const (
	// ResetPhaseReset means an admin reset the password and the user has not
	// logged in with the temporary password yet.
	ResetPhaseReset ResetPhaseKind = iota + 1
	// ResetPhaseInitialLogin means the user logged in once with the temporary
	// password and must now change it.
	ResetPhaseInitialLogin
	// ResetPhaseLocked means the reset expired or the temporary password was
	// used a second time. Only another admin reset unlocks the account.
	ResetPhaseLocked
)

func (k ResetPhaseKind) String() string {
	switch k {
	case ResetPhaseReset:
		return "reset"
	case ResetPhaseInitialLogin:
		return "initial_login"
	case ResetPhaseLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// ResetPhase is the staged password-reset state of a user. ExpiresAt is an
// absolute expiry in seconds since the unix epoch; it is zero for the locked
// phase.
type ResetPhase struct {
	Kind      ResetPhaseKind `cbor:"1,keyasint" json:"-"`
	ExpiresAt uint64         `cbor:"2,keyasint,omitempty" json:"-"`
}

type resetPhaseJSON struct {
	Phase     string `json:"phase"`
	ExpiresAt uint64 `json:"expires_at,omitempty"`
}

func (p ResetPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(resetPhaseJSON{Phase: p.Kind.String(), ExpiresAt: p.ExpiresAt})
}

func (p *ResetPhase) UnmarshalJSON(data []byte) error {
	var raw resetPhaseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Phase {
	case "reset":
		p.Kind = ResetPhaseReset
	case "initial_login":
		p.Kind = ResetPhaseInitialLogin
	case "locked":
		p.Kind = ResetPhaseLocked
	default:
		return fmt.Errorf("unknown reset phase %q", raw.Phase)
	}

	p.ExpiresAt = raw.ExpiresAt

	return nil
}

// UserRecord is the persisted entity for a single user. The hashed password is
// a self-describing argon2 string, so no separate salt is stored. Groups are
// kept sorted and duplicate free.
type UserRecord struct {
	HashedPassword SecretString `cbor:"1,keyasint"`
	PasswordReset  *ResetPhase  `cbor:"2,keyasint,omitempty"`
	Groups         []string     `cbor:"3,keyasint"`
}

// Clone deep-copies a record so cache entries are never aliased by callers.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}

	clone := &UserRecord{
		HashedPassword: SecretFromBytes(u.HashedPassword.RevealBytes()),
		Groups:         append([]string(nil), u.Groups...),
	}

	if u.PasswordReset != nil {
		phase := *u.PasswordReset
		clone.PasswordReset = &phase
	}

	return clone
}

// NormalizeGroups sorts and deduplicates a group list, dropping empty names.
func NormalizeGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))

	for _, g := range groups {
		if g == "" {
			continue
		}

		if _, ok := seen[g]; ok {
			continue
		}

		seen[g] = struct{}{}

		out = append(out, g)
	}

	sort.Strings(out)

	return out
}

// AddGroups returns the record's group set after adding the given groups.
func (u *UserRecord) AddGroups(groups []string) []string {
	u.Groups = NormalizeGroups(append(u.Groups, groups...))

	return u.Groups
}

// RemoveGroups returns the record's group set after removing the given groups.
func (u *UserRecord) RemoveGroups(groups []string) []string {
	drop := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		drop[g] = struct{}{}
	}

	kept := make([]string, 0, len(u.Groups))

	for _, g := range u.Groups {
		if _, ok := drop[g]; !ok {
			kept = append(kept, g)
		}
	}

	u.Groups = kept

	return u.Groups
}

var encMode cbor.EncMode

func init() {
	var err error

	// Deterministic encoding so identical records always produce identical
	// bytes regardless of which replica wrote them.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build CBOR encoder: %v", err))
	}
}

// EncodeRecord serializes a user record with the stable binary codec used for
// KV bucket values.
func EncodeRecord(record *UserRecord) ([]byte, error) {
	record.Groups = NormalizeGroups(record.Groups)

	data, err := encMode.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user record: %w", err)
	}

	return data, nil
}

// DecodeRecord deserializes a user record from KV bucket bytes.
func DecodeRecord(data []byte) (*UserRecord, error) {
	var record UserRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode user record: %w", err)
	}

	record.Groups = NormalizeGroups(record.Groups)

	return &record, nil
}
