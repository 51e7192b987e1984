package domain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CacheEntry is a content-addressed record of one task invocation's
// resolved input and output, keyed by Fingerprint. Entries are immutable:
// identical fingerprints must yield byte-identical outputs on hit.
type CacheEntry struct {
	Fingerprint string          `json:"fingerprint"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CacheStore maps a task fingerprint to its cached outcome. Implementations
// must guarantee at-most-once effective execution per fingerprint: when two
// callers race on Coordinate for the same fingerprint, exactly one proceeds
// to invoke the dispatcher while the other waits for and reuses its result.
type CacheStore interface {
	Get(ctx context.Context, fingerprint string) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
	// Coordinate acquires the single-writer right to compute fingerprint,
	// returning release, a function that must be called exactly once to
	// hand off the right (whether or not the computation succeeded).
	// isLeader is false when another caller already holds the right; the
	// caller should instead poll Get for the leader's result.
	Coordinate(ctx context.Context, fingerprint string) (isLeader bool, release func(), err error)
}

// FingerprintInput is the subset of a task invocation that determines its
// content-addressed identity. Fields that do not affect determinism
// (metadata, `then`) are deliberately excluded so that neighboring-task
// edits and reordering do not invalidate the cache.
type FingerprintInput struct {
	TaskKind        TaskKind
	TaskDefinition  interface{}
	ResolvedInput   interface{}
}

// Fingerprint computes the SHA-256 over the canonical JSON encoding of
// (task_kind, task_definition_subset, resolved_input).
func Fingerprint(in FingerprintInput) (string, error) {
	canonicalDef, err := fingerprintTaskView(in.TaskDefinition)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize task definition for fingerprint: %w", err)
	}
	canonicalInput, err := canonicalJSON(in.ResolvedInput)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize resolved input for fingerprint: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(in.TaskKind))
	h.Write([]byte{0})
	h.Write(canonicalDef)
	h.Write([]byte{0})
	h.Write(canonicalInput)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fingerprintTaskView is canonicalJSON for a task definition with `then`
// and `metadata` stripped at the top level: neither affects what the task
// does, only where flow goes next or how it's annotated, so two tasks
// differing only in those fields must still collide on fingerprint (spec.md
// §3, §8 property 1, §9 "Fingerprint scope"). TaskBase's fields are inlined
// into the task's own JSON object (`yaml:",inline"`/no nesting), so they
// always surface as top-level keys regardless of task kind.
func fingerprintTaskView(taskDefinition interface{}) ([]byte, error) {
	data, err := json.Marshal(taskDefinition)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	if obj, ok := generic.(map[string]interface{}); ok {
		delete(obj, "then")
		delete(obj, "metadata")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// canonicalJSON marshals v with object keys sorted at every level, so that
// semantically equal values (regardless of field declaration order) hash
// identically.
func canonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
