package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// HashLength is the number of hex characters kept from the sha256 digest.
const HashLength = 16

// fields excluded from the hash input: the hash itself, the wall-clock
// timestamp and the random storage identifier.
var unhashed = []string{"artifact_hash", "created_at", "artifact_id"}

// Canonical returns the key-sorted JSON encoding of a without the unhashed
// envelope fields.
func Canonical(a Artifact) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", a.Meta().Type, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", a.Meta().Type, err)
	}
	for _, k := range unhashed {
		delete(fields, k)
	}
	// encoding/json writes map keys in sorted order at every depth.
	return json.Marshal(fields)
}

// Hash computes the content digest of a.
func Hash(a Artifact) (string, error) {
	data, err := Canonical(a)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength], nil
}

// Seal computes and stores the hash of a.
func Seal(a Artifact) error {
	h, err := Hash(a)
	if err != nil {
		return err
	}
	a.Meta().Hash = h
	return nil
}

// Verify recomputes the digest and compares it with the stored one.
func Verify(a Artifact) error {
	h, err := Hash(a)
	if err != nil {
		return err
	}
	if h != a.Meta().Hash {
		return fmt.Errorf("artifact %s v%d hash mismatch: stored %s computed %s", a.Meta().Type, a.Meta().Version, a.Meta().Hash, h)
	}
	return nil
}

// Lineage collects the hashes of parents as a sorted set. Nil parents, typed
// nil pointers included, and unsealed parents are skipped.
func Lineage(parents ...Artifact) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, p := range parents {
		if p == nil || reflect.ValueOf(p).IsNil() {
			continue
		}
		h := p.Meta().Hash
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
