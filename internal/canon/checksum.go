package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MissingFieldError is returned when a requested checksum field is absent
// from the before map.
type MissingFieldError struct {
	ResourceID string
	Field      string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("checksum field %q missing from before state of %s", e.Field, e.ResourceID)
}

// IsMissingField reports whether err is (or wraps) a MissingFieldError.
func IsMissingField(err error) bool {
	var mf *MissingFieldError
	return errors.As(err, &mf)
}

// SortedFields returns fields with duplicates removed, sorted bytewise.
func SortedFields(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SerialiseForChecksum renders before, restricted to fields, as
//
//	resourceID|field=value|field=value
//
// A nil fields slice selects every key of before. Fields are de-duplicated
// and sorted, so the result does not depend on the order they are given in.
func SerialiseForChecksum(resourceID string, before map[string]any, fields []string) (string, error) {
	if fields == nil {
		fields = make([]string, 0, len(before))
		for k := range before {
			fields = append(fields, k)
		}
	}

	var b strings.Builder
	b.WriteString(resourceID)
	for _, f := range SortedFields(fields) {
		v, ok := before[f]
		if !ok {
			return "", &MissingFieldError{ResourceID: resourceID, Field: f}
		}
		b.WriteByte('|')
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(Canonicalise(v))
	}
	return b.String(), nil
}

// ComputeChecksum returns the lowercase hex SHA-256 digest of the checksum
// serialisation of before.
func ComputeChecksum(resourceID string, before map[string]any, fields []string) (string, error) {
	serialised, err := SerialiseForChecksum(resourceID, before, fields)
	if err != nil {
		return "", fmt.Errorf("compute checksum: %w", err)
	}
	return Digest(serialised), nil
}

// Digest returns the lowercase hex SHA-256 digest of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DigestWithDomain hashes data with a domain prefix and a null separator so
// identifiers from different domains can never collide.
func DigestWithDomain(domain, data string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// MustChecksum is like ComputeChecksum but panics on error.
// Use only in tests or when the fields are known to be present.
func MustChecksum(resourceID string, before map[string]any, fields []string) string {
	sum, err := ComputeChecksum(resourceID, before, fields)
	if err != nil {
		panic(err)
	}
	return sum
}
