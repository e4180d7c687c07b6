// Package types defines core identifier types shared across gfx-replay.
//
// Resources in a capture are content-addressed: a resource id is the hash of
// the resource payload. Current producers hash with BLAKE3; captures written
// by older producers carry Keccak-256 ids, and both schemes verify.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size constants for core types.
const (
	ResourceIDSize = 32
)

var (
	// ErrInvalidResourceID is returned when a resource id has invalid length.
	ErrInvalidResourceID = errors.New("invalid resource id: must be 32 bytes")

	// ErrUnknownHashScheme is returned for an unrecognized id scheme.
	ErrUnknownHashScheme = errors.New("unknown resource hash scheme")
)

// HashScheme selects the content hash used for resource ids.
type HashScheme uint8

const (
	// HashBlake3 is the scheme used by current capture producers.
	HashBlake3 HashScheme = iota

	// HashKeccak256 is the legacy scheme found in older captures.
	HashKeccak256
)

// String returns the scheme name.
func (s HashScheme) String() string {
	switch s {
	case HashBlake3:
		return "blake3"
	case HashKeccak256:
		return "keccak256"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// ResourceID identifies a content-addressed resource payload.
type ResourceID [ResourceIDSize]byte

// ResourceIDFromBytes creates a ResourceID from a byte slice.
func ResourceIDFromBytes(b []byte) (ResourceID, error) {
	var id ResourceID
	if len(b) != ResourceIDSize {
		return id, ErrInvalidResourceID
	}
	copy(id[:], b)
	return id, nil
}

// ResourceIDFromBase58 parses a base58-encoded resource id.
func ResourceIDFromBase58(s string) (ResourceID, error) {
	var id ResourceID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ResourceIDSize {
		return id, ErrInvalidResourceID
	}
	copy(id[:], data)
	return id, nil
}

// HashResource computes the resource id of a payload under the given scheme.
func HashResource(scheme HashScheme, payload []byte) (ResourceID, error) {
	var id ResourceID
	switch scheme {
	case HashBlake3:
		id = blake3.Sum256(payload)
	case HashKeccak256:
		h := sha3.NewLegacyKeccak256()
		h.Write(payload)
		copy(id[:], h.Sum(nil))
	default:
		return id, ErrUnknownHashScheme
	}
	return id, nil
}

// Verify reports whether payload hashes to this id under the given scheme.
func (id ResourceID) Verify(scheme HashScheme, payload []byte) bool {
	got, err := HashResource(scheme, payload)
	if err != nil {
		return false
	}
	return got == id
}

// String returns the base58-encoded representation.
func (id ResourceID) String() string {
	return base58.Encode(id[:])
}

// Hex returns the hex-encoded representation.
func (id ResourceID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ResourceID) IsZero() bool {
	return id == ResourceID{}
}

// Severity classifies renderer debug messages relayed during replay.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}
