package invites

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"crm-voice/internal/calls"
)

var ErrMalformedPayload = errors.New("invites: malformed push payload")

type Kind string

const (
	KindInvite       Kind = "invite"
	KindCancellation Kind = "cancellation"
)

// Cancellation withdraws a previously announced invite.
type Cancellation struct {
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason,omitempty"`
}

// Message is a decoded push: exactly one of Invite or Cancellation is meaningful, per Kind.
type Message struct {
	Kind         Kind
	Invite       calls.Invite
	Cancellation Cancellation
}

// pushPayload is the wire shape. Custom parameters are loosely typed on the wire
// and narrowed to calls.Metadata here, once.
type pushPayload struct {
	CorrelationID    string         `json:"correlation_id"`
	From             string         `json:"from"`
	MessageType      string         `json:"message_type"`
	Error            string         `json:"error"`
	Reason           string         `json:"reason"`
	CustomParameters map[string]any `json:"custom_parameters"`
}

// Decode parses a push payload into an invite or a cancellation.
//
// A payload is a cancellation when message_type says so, or when it carries an
// error without a caller. Everything else must name both correlation_id and from.
func Decode(raw []byte, receivedAt time.Time) (Message, error) {
	var p pushPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: trailing data after payload", ErrMalformedPayload)
	}
	id := strings.TrimSpace(p.CorrelationID)
	if id == "" {
		return Message{}, fmt.Errorf("%w: missing correlation_id", ErrMalformedPayload)
	}

	switch strings.ToLower(strings.TrimSpace(p.MessageType)) {
	case "cancel", "cancellation", "canceled", "cancelled":
		return cancellation(id, p), nil
	case "", "call", "invite":
	default:
		return Message{}, fmt.Errorf("%w: unknown message_type %q", ErrMalformedPayload, p.MessageType)
	}

	from := strings.TrimSpace(p.From)
	if from == "" {
		if p.Error != "" || p.Reason != "" {
			return cancellation(id, p), nil
		}
		return Message{}, fmt.Errorf("%w: missing from", ErrMalformedPayload)
	}

	return Message{
		Kind: KindInvite,
		Invite: calls.Invite{
			ID:           id,
			RemoteHandle: from,
			Metadata:     metadataFrom(p.CustomParameters),
			ReceivedAt:   receivedAt,
		},
	}, nil
}

func cancellation(id string, p pushPayload) Message {
	reason := p.Error
	if reason == "" {
		reason = p.Reason
	}
	return Message{Kind: KindCancellation, Cancellation: Cancellation{CorrelationID: id, Reason: reason}}
}

func metadataFrom(params map[string]any) calls.Metadata {
	return calls.Metadata{
		LeadID:             param(params, "lead_id"),
		LeadFullName:       param(params, "lead_full_name"),
		RelatedMailingID:   param(params, "related_mailing_id"),
		RelatedMailingName: param(params, "related_mailing_name"),
	}
}

// param stringifies scalar values. Ids are often sent as JSON numbers and keep
// their literal digits.
func param(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
