// Package slack turns Slack slash-command deliveries into the inbound
// events the idempotency layer and approval gate consume, using
// github.com/slack-go/slack, with Slack treated as one of several
// interchangeable ingress/egress channels.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/idkey"
)

// Event is one parsed slash-command delivery, keyed the way
// the Slack Event Source key: "slack:<teamId>:<triggerId>".
type Event struct {
	TeamID    string
	TriggerID string
	UserID    string
	ChannelID string
	Command   approval.Command
}

// KeyFields returns the idkey.Fields this event derives its
// idempotency key from.
func (e Event) KeyFields() idkey.Fields {
	return idkey.Fields{TeamID: e.TeamID, TriggerID: e.TriggerID}
}

// ErrNotSlashCommand is returned when the incoming request is not a
// recognized `/gwi` slash command.
var ErrNotSlashCommand = fmt.Errorf("ingress/slack: not a /gwi slash command")

// ParseSlashCommand reads and validates a Slack slash-command delivery
// from r (verifying its signature against signingSecret), then parses
// its text as a `/gwi approve|deny|revoke ...` command.
func ParseSlashCommand(r *http.Request, signingSecret string) (Event, error) {
	verifier, err := slackapi.NewSecretsVerifier(r.Header, signingSecret)
	if err != nil {
		return Event{}, fmt.Errorf("ingress/slack: build verifier: %w", err)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Event{}, fmt.Errorf("ingress/slack: read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	_, _ = verifier.Write(body)
	if err := verifier.Ensure(); err != nil {
		return Event{}, fmt.Errorf("ingress/slack: signature verification: %w", err)
	}

	sc, err := slackapi.SlashCommandParse(r)
	if err != nil {
		return Event{}, fmt.Errorf("ingress/slack: parse slash command: %w", err)
	}

	if sc.Command != "/gwi" {
		return Event{}, ErrNotSlashCommand
	}

	cmd, err := approval.ParseCommand("/gwi " + sc.Text)
	if err != nil {
		return Event{}, fmt.Errorf("ingress/slack: parse command text: %w", err)
	}

	return Event{
		TeamID:    sc.TeamID,
		TriggerID: sc.TriggerID,
		UserID:    sc.UserID,
		ChannelID: sc.ChannelID,
		Command:   cmd,
	}, nil
}

// Responder posts ephemeral acknowledgements back to the channel a
// slash command arrived from.
type Responder struct {
	client *slackapi.Client
}

// NewResponder constructs a Responder over a bot token.
func NewResponder(botToken string) *Responder {
	return &Responder{client: slackapi.New(botToken)}
}

// Ack posts text as an ephemeral message visible only to userID in
// channelID, acknowledging a command (e.g. "approval recorded") without
// waiting on the full run lifecycle.
func (r *Responder) Ack(ctx context.Context, channelID, userID, text string) error {
	_, err := r.client.PostEphemeralContext(ctx, channelID, userID, slackapi.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("ingress/slack: post ephemeral: %w", err)
	}
	return nil
}

// VerifyEventsAPIRequest checks a Slack Events API callback's
// signature, for deployments that also subscribe to message events
// rather than only slash commands.
func VerifyEventsAPIRequest(r *http.Request, body []byte, signingSecret string) (slackevents.EventsAPIEvent, error) {
	sv, err := slackapi.NewSecretsVerifier(r.Header, signingSecret)
	if err != nil {
		return slackevents.EventsAPIEvent{}, fmt.Errorf("ingress/slack: build verifier: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return slackevents.EventsAPIEvent{}, fmt.Errorf("ingress/slack: hash body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return slackevents.EventsAPIEvent{}, fmt.Errorf("ingress/slack: signature verification: %w", err)
	}
	ev, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		return slackevents.EventsAPIEvent{}, fmt.Errorf("ingress/slack: parse event: %w", err)
	}
	return ev, nil
}
