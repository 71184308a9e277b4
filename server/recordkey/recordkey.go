// Package recordkey implements the record-key wire format and validation.
//
// Keys are dot-delimited, versioned by prefix:
//
//	vRK1.<base64 recordName>.<base64 secret>            (implicit subjectfull)
//	vRK2.<base64 recordName>.<base64 secret>.<policy>   (policy: subjectfull|subjectless)
//
// The key string is the only bit-exact external contract of the engine.
package recordkey

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"github.com/casual-simulation/casualos-sub006/server/records"
)

const (
	v1Prefix = "vRK1."
	v2Prefix = "vRK2."
)

// scrypt parameters for secret hashing. Changing these invalidates every
// stored hash.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// ParsedKey is the decoded form of a record-key string.
type ParsedKey struct {
	RecordName string
	Secret     string
	Policy     records.PublicRecordKeyPolicy
}

// FormatV1Key encodes a v1 (implicitly subjectfull) record key.
func FormatV1Key(recordName, secret string) string {
	return v1Prefix + encode(recordName) + "." + encode(secret)
}

// FormatV2Key encodes a v2 record key with an explicit policy.
func FormatV2Key(recordName, secret string, policy records.PublicRecordKeyPolicy) string {
	return v2Prefix + encode(recordName) + "." + encode(secret) + "." + string(policy)
}

// ParseKey decodes a record-key string, trying v2 before v1. Malformed
// input (wrong prefix, missing or empty segments, invalid base64, unknown
// policy) yields (nil, false); parsing never fails with an error.
func ParseKey(key string) (*ParsedKey, bool) {
	if parsed, ok := parseV2(key); ok {
		return parsed, true
	}
	return parseV1(key)
}

// IsRecordKey reports whether the string decodes as a record key.
func IsRecordKey(key string) bool {
	_, ok := ParseKey(key)
	return ok
}

func parseV2(key string) (*ParsedKey, bool) {
	rest, ok := strings.CutPrefix(key, v2Prefix)
	if !ok {
		return nil, false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return nil, false
	}
	name, ok := decode(parts[0])
	if !ok {
		return nil, false
	}
	secret, ok := decode(parts[1])
	if !ok {
		return nil, false
	}
	policy := records.PublicRecordKeyPolicy(parts[2])
	if policy != records.PolicySubjectfull && policy != records.PolicySubjectless {
		return nil, false
	}
	return &ParsedKey{RecordName: name, Secret: secret, Policy: policy}, true
}

func parseV1(key string) (*ParsedKey, bool) {
	rest, ok := strings.CutPrefix(key, v1Prefix)
	if !ok {
		return nil, false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return nil, false
	}
	name, ok := decode(parts[0])
	if !ok {
		return nil, false
	}
	secret, ok := decode(parts[1])
	if !ok {
		return nil, false
	}
	return &ParsedKey{RecordName: name, Secret: secret, Policy: records.PolicySubjectfull}, true
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decode(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

// HashSecret derives the stored hash for a record-key secret using the
// record's salt.
func HashSecret(secret, salt string) (string, error) {
	h, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", errors.Wrap(err, "hash record key secret")
	}
	return base64.StdEncoding.EncodeToString(h), nil
}

// ValidationResult describes a successfully validated record key.
type ValidationResult struct {
	RecordName string
	Policy     records.PublicRecordKeyPolicy
	// CreatorID is the user that issued the key. Empty for legacy
	// record-level secrets.
	CreatorID string
}

// Validator checks presented record keys against the stored secret hashes.
type Validator struct {
	store records.MetadataStore
}

// NewValidator creates a Validator over the given store.
func NewValidator(store records.MetadataStore) *Validator {
	return &Validator{store: store}
}

// Validate parses and validates a record-key string.
//
// The hashed secret must match either one of the record's legacy secret
// hashes (implying a subjectfull policy) or the hash of an issued RecordKey
// (which carries its own policy). The resolved policy must equal the policy
// encoded in the presented string; otherwise the key is invalid, which
// prevents a subjectless-issued secret from being replayed inside a
// re-wrapped subjectfull key string.
func (v *Validator) Validate(ctx context.Context, key string) (*ValidationResult, error) {
	parsed, ok := ParseKey(key)
	if !ok {
		return nil, &records.InvalidRecordKeyError{}
	}

	record, err := v.store.GetRecordByName(ctx, parsed.RecordName)
	if err != nil {
		return nil, errors.Wrap(err, "get record for key validation")
	}
	if record == nil {
		return nil, &records.RecordNotFoundError{RecordName: parsed.RecordName}
	}

	hash, err := HashSecret(parsed.Secret, record.SecretSalt)
	if err != nil {
		return nil, err
	}

	for _, stored := range record.SecretHashes {
		if hashesEqual(hash, stored) {
			if parsed.Policy != records.PolicySubjectfull {
				return nil, &records.InvalidRecordKeyError{}
			}
			return &ValidationResult{
				RecordName: record.Name,
				Policy:     records.PolicySubjectfull,
			}, nil
		}
	}

	keys, err := v.store.GetRecordKeys(ctx, record.Name)
	if err != nil {
		return nil, errors.Wrap(err, "list record keys for validation")
	}
	for _, rk := range keys {
		if hashesEqual(hash, rk.SecretHash) {
			if rk.Policy != parsed.Policy {
				return nil, &records.InvalidRecordKeyError{}
			}
			return &ValidationResult{
				RecordName: record.Name,
				Policy:     rk.Policy,
				CreatorID:  rk.CreatorID,
			}, nil
		}
	}

	return nil, &records.InvalidRecordKeyError{}
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
