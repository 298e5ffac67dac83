// Package identity implements the identity and endpoint-key rules of the
// policy engine's data model: user-key hashing for malformed identifiers and
// endpoint-key normalization of dynamic path segments.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// allowedUserKey matches user keys that are safe to use verbatim in a
// storage key: up to 64 characters of letters, digits, underscore, or
// hyphen.
var allowedUserKey = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HashedPrefix is prepended to the hash of a malformed user key so that the
// result is visibly distinct from a verbatim key at a glance.
const HashedPrefix = "hashed_"

// NormalizeUserKey returns a storage-safe representation of a raw user key.
// Keys already matching the allowlisted format are returned unchanged so two
// users never collide with each other through re-encoding; everything else
// is deterministically hashed with SHA-256 (first 32 hex characters) so
// that different malformed inputs never collide onto the same bucket and
// the same malformed input always maps to the same bucket.
func NormalizeUserKey(raw string) string {
	if allowedUserKey.MatchString(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return HashedPrefix + hex.EncodeToString(sum[:])[:32]
}

var (
	digitsOnly  = regexp.MustCompile(`^[0-9]+$`)
	uuidLike    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	objectIDLik = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	kebabWord   = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)+$`)
)

// minOpaqueTokenLen is the minimum length of a segment, not matching any of
// the other dynamic shapes and not kebab-case, that is still treated as an
// opaque dynamic identifier (e.g. an API key or session token).
const minOpaqueTokenLen = 16

// NormalizeEndpoint builds the `METHOD|/normalized/path` endpoint key,
// replacing dynamic path segments with `:id`. A segment is considered
// dynamic when it is: purely numeric; a UUID; a 24-character hex
// ObjectId; or an opaque token of at least 16 characters that is not
// itself kebab-case (kebab-case words such as "free-strict" are plan/route
// tags, not identifiers, and are preserved verbatim).
func NormalizeEndpoint(method, path string) string {
	method = strings.ToUpper(strings.TrimSpace(method))

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if isDynamicSegment(seg) {
			segments[i] = ":id"
		}
	}
	normalized := strings.Join(segments, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	return method + "|" + normalized
}

func isDynamicSegment(seg string) bool {
	switch {
	case digitsOnly.MatchString(seg):
		return true
	case uuidLike.MatchString(seg):
		return true
	case objectIDLik.MatchString(seg):
		return true
	case kebabWord.MatchString(seg):
		return false
	case len(seg) >= minOpaqueTokenLen:
		return true
	default:
		return false
	}
}

