// Package idkey derives, parses, and validates idempotency keys from
// inbound events, for every Event Source the core accepts.
//
// Source-specific parsing is a registry of
// (encoder, parser, validator) triples rather than a per-source switch
// statement, so adding a new source is additive.
package idkey

import (
	"errors"
	"fmt"
	"strings"
)

// Source tags where an inbound event originated. This is the Event
// Source value stored on Idempotency Records and Runs; it is
// distinct from the short wire prefix used inside the key itself (e.g.
// Source "github_webhook" encodes keys with prefix "github").
type Source string

// The Event Sources the core accepts.
const (
	SourceGitHubWebhook Source = "github_webhook"
	SourceAPI           Source = "api"
	SourceSlack         Source = "slack"
	SourceScheduler     Source = "scheduler"
)

// ErrUnknownSource is returned when no codec is registered for a source
// or wire prefix.
var ErrUnknownSource = errors.New("idkey: unknown event source")

// ErrMalformedKey is returned when a key cannot be parsed back to its
// structured form, or an encoder is given the wrong field set.
var ErrMalformedKey = errors.New("idkey: malformed key")

// Key is a canonical, printable, colon-delimited idempotency key, e.g.
// "github:550e8400-e29b-41d4-a716-446655440000" or
// "scheduler:daily-cleanup:2024-12-19T00:00:00Z".
type Key string

// Prefix returns the wire-format prefix of the key (the text before the
// first colon), e.g. "github" or "scheduler".
func (k Key) Prefix() string {
	parts := strings.SplitN(string(k), ":", 2)
	return parts[0]
}

// String returns the raw key string.
func (k Key) String() string { return string(k) }

// Fields holds the source-specific inputs used to derive a Key. Only the
// fields relevant to Source are populated; callers build one of these
// from the inbound event shape and pass it to Encode.
type Fields struct {
	// GitHub
	DeliveryID string

	// API
	ClientID  string
	RequestID string

	// Slack
	TeamID    string
	TriggerID string

	// Scheduler
	ScheduleID       string
	ExecutionTimeISO string
}

// Codec encodes Fields into a Key for one source, parses a Key of that
// source back into Fields, and validates that a Key is well-formed for
// that source.
type Codec struct {
	// WirePrefix is the literal text that precedes the first colon in
	// keys this codec produces, e.g. "github" for SourceGitHubWebhook.
	WirePrefix string
	Encode     func(Fields) (Key, error)
	Parse      func(Key) (Fields, error)
	Validate   func(Key) error
}

// registry maps each Source to its Codec; prefixIndex maps the wire
// prefix back to the owning Source, since the two strings differ
// (Source "github_webhook" encodes with wire prefix "github").
var registry = map[Source]Codec{}
var prefixIndex = map[string]Source{}

func register(s Source, c Codec) {
	registry[s] = c
	prefixIndex[c.WirePrefix] = s
}

// Lookup returns the Codec registered for source, or ErrUnknownSource.
func Lookup(s Source) (Codec, error) {
	c, ok := registry[s]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %s", ErrUnknownSource, s)
	}
	return c, nil
}

// sourceForPrefix resolves a key's wire prefix back to its Source tag.
func sourceForPrefix(prefix string) (Source, error) {
	s, ok := prefixIndex[prefix]
	if !ok {
		return "", fmt.Errorf("%w: prefix %q", ErrUnknownSource, prefix)
	}
	return s, nil
}

// Derive builds a Key for source from fields using the registered codec.
func Derive(s Source, fields Fields) (Key, error) {
	c, err := Lookup(s)
	if err != nil {
		return "", err
	}
	return c.Encode(fields)
}

// Parse splits a wire-format key into its Source and structured Fields.
func Parse(k Key) (Source, Fields, error) {
	s, err := sourceForPrefix(k.Prefix())
	if err != nil {
		return "", Fields{}, err
	}
	c, err := Lookup(s)
	if err != nil {
		return "", Fields{}, err
	}
	f, err := c.Parse(k)
	return s, f, err
}

// Validate checks that k is well-formed for its own source prefix.
func Validate(k Key) error {
	s, err := sourceForPrefix(k.Prefix())
	if err != nil {
		return err
	}
	c, err := Lookup(s)
	if err != nil {
		return err
	}
	return c.Validate(k)
}

func init() {
	register(SourceGitHubWebhook, githubCodec())
	register(SourceAPI, apiCodec())
	register(SourceSlack, slackCodec())
	register(SourceScheduler, schedulerCodec())
}
