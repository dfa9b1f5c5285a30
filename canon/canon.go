// Package canon produces a deterministic byte representation of a JSON
// document: object keys sorted, and fields with null/undefined values
// omitted uniformly, so two logically-equal documents always hash to
// the same bytes. It backs the
// idempotency layer's requestHash, the approval gate's intentHash, and
// signature verification's canonical-bytes-to-sign.
//
// Sorting and rewriting are done with github.com/tidwall/gjson and
// github.com/tidwall/sjson over the marshalled bytes rather than left
// to encoding/json: json.Marshal sorts map keys, but struct fields keep
// their declaration order and null values are kept, so both still need
// explicit handling.
package canon

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Bytes returns the canonical byte representation of v: marshal to
// JSON, then recursively sort object keys and drop null values.
func Bytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize rewrites raw JSON bytes into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	result := gjson.ParseBytes(raw)
	out, err := canonicalizeValue(result, "")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// canonicalizeValue walks a gjson.Result, building a canonical JSON
// string via sjson.Set calls so the traversal order is fully under our
// control.
func canonicalizeValue(v gjson.Result, path string) (string, error) {
	switch {
	case v.IsObject():
		doc := "{}"
		keys := make([]string, 0)
		children := map[string]gjson.Result{}
		v.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			keys = append(keys, k)
			children[k] = value
			return true
		})
		sort.Strings(keys)
		var err error
		for _, k := range keys {
			child := children[k]
			if child.Type == gjson.Null {
				continue // omit null/undefined fields uniformly
			}
			childCanon, cerr := canonicalizeValue(child, "")
			if cerr != nil {
				return "", cerr
			}
			doc, err = sjson.SetRawOptions(doc, sjsonPath(k), childCanon, &sjson.Options{Optimistic: true, ReplaceInPlace: true})
			if err != nil {
				return "", fmt.Errorf("canon: set %q: %w", k, err)
			}
		}
		return doc, nil

	case v.IsArray():
		doc := "[]"
		items := v.Array()
		var err error
		for i, item := range items {
			itemCanon, ierr := canonicalizeValue(item, "")
			if ierr != nil {
				return "", ierr
			}
			doc, err = sjson.SetRaw(doc, fmt.Sprintf("%d", i), itemCanon)
			if err != nil {
				return "", fmt.Errorf("canon: set index %d: %w", i, err)
			}
		}
		return doc, nil

	default:
		return v.Raw, nil
	}
}

// sjsonPath escapes a bare key for use as an sjson path component.
// sjson treats '.', '*', '?', ':', '|', '#' as path syntax, so any key
// containing one is escaped with a backslash per its documented path
// syntax; plain keys (the common case for our approval/record schemas)
// pass through unchanged.
func sjsonPath(key string) string {
	needsEscape := false
	for _, r := range key {
		switch r {
		case '.', '*', '?', ':', '|', '#', '\\':
			needsEscape = true
		}
	}
	if !needsEscape {
		return key
	}
	escaped := make([]byte, 0, len(key)*2)
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', ':', '|', '#', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, key[i])
	}
	return string(escaped)
}
