// Package idempotency provides deterministic keys, canonical payload hashing
// and timing-safe comparison for at-least-once de-duplication.
package idempotency

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

const (
	maxKeyParts    = 10
	maxPartLength  = 1024
	maxPayloadSize = 10 << 20 // bytes, not characters
)

// Key derives a deterministic 64-char hex key from the given parts. Parts must
// be non-empty strings of at most 1024 chars, between 1 and 10 of them.
func Key(parts ...string) (string, error) {
	if len(parts) == 0 || len(parts) > maxKeyParts {
		return "", fmt.Errorf("op=idempotency.Key: part count %d out of [1,%d]: %w", len(parts), maxKeyParts, domain.ErrInvalidArgument)
	}
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("op=idempotency.Key: part %d empty: %w", i, domain.ErrInvalidArgument)
		}
		if len(p) > maxPartLength {
			return "", fmt.Errorf("op=idempotency.Key: part %d exceeds %d chars: %w", i, maxPartLength, domain.ErrInvalidArgument)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:]), nil
}

// HashPayload hashes the canonical form of v: map keys deep-sorted, cycles
// replaced by the literal "[Circular]". Serialized payloads larger than
// 10 MiB (byte length) are rejected.
func HashPayload(v any) (string, error) {
	visited := map[uintptr]bool{}
	canonical := canonicalize(reflect.ValueOf(v), visited)
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("op=idempotency.HashPayload: %w", err)
	}
	if len(b) > maxPayloadSize {
		return "", fmt.Errorf("op=idempotency.HashPayload: payload %d bytes exceeds %d: %w", len(b), maxPayloadSize, domain.ErrPayloadTooLarge)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize rewrites v into a JSON-marshalable value with deterministic
// ordering. encoding/json already sorts map keys, but nested ordering is made
// explicit here so the canonical form does not depend on marshaler internals.
func canonicalize(v reflect.Value, visited map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			ptr := v.Pointer()
			if visited[ptr] {
				return "[Circular]"
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		return canonicalize(v.Elem(), visited)
	case reflect.Map:
		ptr := v.Pointer()
		if visited[ptr] {
			return "[Circular]"
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		keys := make([]string, 0, v.Len())
		byKey := make(map[string]reflect.Value, v.Len())
		for _, k := range v.MapKeys() {
			ks := fmt.Sprint(k.Interface())
			keys = append(keys, ks)
			byKey[ks] = v.MapIndex(k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = canonicalize(byKey[k], visited)
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return "[Circular]"
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = canonicalize(v.Index(i), visited)
		}
		return out
	case reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = canonicalize(v.Index(i), visited)
		}
		return out
	case reflect.Struct:
		// Round-trip through JSON so tags and omitempty apply, then sort.
		b, err := json.Marshal(v.Interface())
		if err != nil {
			return fmt.Sprintf("[unmarshalable:%v]", err)
		}
		var m any
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Sprintf("[unmarshalable:%v]", err)
		}
		return canonicalize(reflect.ValueOf(m), visited)
	default:
		return v.Interface()
	}
}

// PayloadsEqual compares two hex digests in constant time. Digests are equal
// length by construction; unequal lengths compare false immediately.
func PayloadsEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var (
	hexRe       = regexp.MustCompile(`^[0-9a-f]+$`)
	base64Re    = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	base64URLRe = regexp.MustCompile(`^[A-Za-z0-9_-]+={0,2}$`)
)

// digestHexLen maps supported algorithms to their hex digest length.
var digestHexLen = map[string]int{
	"sha256": 64,
	"sha512": 128,
}

// IsValidKey validates key against the algorithm/encoding pair. Hex keys must
// match the exact digest length; base64 variants validate character set only.
func IsValidKey(key, algorithm, encoding string) bool {
	if key == "" {
		return false
	}
	switch encoding {
	case "hex":
		want, ok := digestHexLen[algorithm]
		if !ok {
			return false
		}
		return len(key) == want && hexRe.MatchString(key)
	case "base64":
		return base64Re.MatchString(key)
	case "base64url":
		return base64URLRe.MatchString(key)
	default:
		return false
	}
}
