package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relayname"
)

// Message is a small addressed blob carrying a directed request: a push
// request, an access-right grant, or a maintenance notification (spec §4.3
// "Message protocol"). Messages are idempotent in payload; repeated
// delivery is harmless.
type Message struct {
	From      string
	To        string
	Kind      string
	Body      string
	Timestamp time.Time
}

var messageFieldOrder = []string{"from", "to", "kind", "body", "timestamp"}

// EncodeMessage serializes a Message to its on-relay text form.
func EncodeMessage(m Message) []byte {
	r := make(record)
	r["from"] = m.From
	r["to"] = m.To
	r["kind"] = m.Kind
	r["body"] = m.Body
	putTime(r, "timestamp", m.Timestamp)
	return r.encode(messageFieldOrder)
}

// DecodeMessage parses a message blob body.
func DecodeMessage(data []byte) Message {
	r := decodeRecord(data)
	return Message{
		From:      r["from"],
		To:        r["to"],
		Kind:      r["kind"],
		Body:      r["body"],
		Timestamp: r.getTime("timestamp"),
	}
}

// Messenger sends and receives addressed messages for a logical path.
type Messenger struct {
	Relay      relay.Relay
	Pseudonym  string
	MaxNameLen int
	Now        func() time.Time
}

func (m *Messenger) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Send addresses a message to recipient for logicalPath.
func (m *Messenger) Send(ctx context.Context, logicalPath, recipient, kind, body string) error {
	name := relayname.Message(logicalPath, recipient, m.MaxNameLen)
	msg := Message{From: m.Pseudonym, To: recipient, Kind: kind, Body: body, Timestamp: m.now()}
	if err := m.Relay.Put(ctx, name, EncodeMessage(msg)); err != nil {
		return fmt.Errorf("%w: send message: %v", errs.ErrRelayTransient, err)
	}
	return nil
}

// Inbox lists every message addressed to recipient for logicalPath's
// directory, by scanning the relay for the `.message.<recipient>` suffix.
// Messages are consumed (and deleted) via Consume once applied.
func (m *Messenger) Inbox(ctx context.Context, dir, recipient string) ([]Message, error) {
	infos, err := m.Relay.List(ctx, dir, false)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", errs.ErrRelayTransient, err)
	}

	suffix := relayname.PrefixMessage + recipient
	var out []Message
	for _, info := range infos {
		if !strings.HasSuffix(info.Name, suffix) {
			continue
		}
		data, err := m.Relay.Get(ctx, info.Name)
		if err != nil {
			continue // transient miss; next scan will retry
		}
		out = append(out, DecodeMessage(data))
	}
	return out, nil
}

// Consume deletes a delivered message. Idempotent: deleting an
// already-gone message is not an error (Relay.Delete's contract).
func (m *Messenger) Consume(ctx context.Context, logicalPath, recipient string) error {
	name := relayname.Message(logicalPath, recipient, m.MaxNameLen)
	if err := m.Relay.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: consume message: %v", errs.ErrRelayTransient, err)
	}
	return nil
}

// Message kinds used by the access-gate handshake (spec §9 open question:
// "require an explicit grant message present on the relay addressed to
// the requester, younger than the placeholder").
const (
	KindPullRequest = "pull_request"
	KindAccessGrant = "access_grant"
)

// GrantYoungerThan reports whether an access_grant message for
// logicalPath addressed to requester exists and postdates refTime — the
// handshake decision rule SPEC_FULL.md's open-question resolution
// specifies.
func (m *Messenger) GrantYoungerThan(ctx context.Context, dir, logicalPath, requester string, refTime time.Time) (bool, error) {
	name := relayname.Message(logicalPath, requester, m.MaxNameLen)
	exists, err := m.Relay.Exists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("%w: check grant: %v", errs.ErrRelayTransient, err)
	}
	if !exists {
		return false, nil
	}
	data, err := m.Relay.Get(ctx, name)
	if err != nil {
		return false, fmt.Errorf("%w: get grant: %v", errs.ErrRelayTransient, err)
	}
	msg := DecodeMessage(data)
	return msg.Kind == KindAccessGrant && msg.Timestamp.After(refTime), nil
}
