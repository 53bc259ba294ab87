package core

import (
	"encoding/json"
	"fmt"
)

// PayloadKind tags which variant a Payload carries.
type PayloadKind string

const (
	PayloadNone         PayloadKind = ""
	PayloadConversation PayloadKind = "conversation"
	PayloadFact         PayloadKind = "fact"
	PayloadContext      PayloadKind = "context"
	PayloadJSON         PayloadKind = "json"
)

// ConversationMeta is metadata attached by conversation producers.
type ConversationMeta struct {
	Channel string            `json:"channel,omitempty"`
	Locale  string            `json:"locale,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// FactMeta is metadata attached by fact producers (extractors, preference capture).
type FactMeta struct {
	Category        string            `json:"category,omitempty"`
	Extractor       string            `json:"extractor,omitempty"`
	SourceMessageID string            `json:"sourceMessageId,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// ContextData is the structured body of a context.
type ContextData struct {
	Goal       string            `json:"goal,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Assignee   string            `json:"assignee,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Payload is a tagged union of the known metadata/data shapes plus an opaque JSON
// variant for dynamic callers. The zero value is an empty payload.
type Payload struct {
	kind         PayloadKind
	conversation *ConversationMeta
	fact         *FactMeta
	context      *ContextData
	raw          json.RawMessage
}

// ConversationPayload wraps conversation metadata.
func ConversationPayload(m ConversationMeta) Payload {
	return Payload{kind: PayloadConversation, conversation: &m}
}

// FactPayload wraps fact metadata.
func FactPayload(m FactMeta) Payload {
	return Payload{kind: PayloadFact, fact: &m}
}

// ContextPayload wraps context data.
func ContextPayload(d ContextData) Payload {
	return Payload{kind: PayloadContext, context: &d}
}

// RawPayload wraps an already-encoded JSON document.
func RawPayload(raw json.RawMessage) Payload {
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}
	}
	return Payload{kind: PayloadJSON, raw: append(json.RawMessage(nil), raw...)}
}

// JSONPayload encodes v into the opaque JSON variant.
func JSONPayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload: %w", err)
	}
	return RawPayload(b), nil
}

func (p Payload) Kind() PayloadKind { return p.kind }
func (p Payload) IsEmpty() bool     { return p.kind == PayloadNone }

// Conversation returns the conversation variant.
func (p Payload) Conversation() (ConversationMeta, bool) {
	if p.conversation == nil {
		return ConversationMeta{}, false
	}
	return *p.conversation, true
}

// Fact returns the fact variant.
func (p Payload) Fact() (FactMeta, bool) {
	if p.fact == nil {
		return FactMeta{}, false
	}
	return *p.fact, true
}

// Context returns the context variant.
func (p Payload) Context() (ContextData, bool) {
	if p.context == nil {
		return ContextData{}, false
	}
	return *p.context, true
}

// Raw returns the JSON variant.
func (p Payload) Raw() (json.RawMessage, bool) {
	if p.kind != PayloadJSON {
		return nil, false
	}
	return p.raw, true
}

// Decode unmarshals the JSON variant into v.
func (p Payload) Decode(v any) error {
	if p.kind != PayloadJSON {
		return InvalidInput("payload kind %q is not json", p.kind)
	}
	return json.Unmarshal(p.raw, v)
}

type payloadEnvelope struct {
	Kind  PayloadKind     `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the payload as {"kind": ..., "value": ...}.
func (p Payload) MarshalJSON() ([]byte, error) {
	var value any
	switch p.kind {
	case PayloadNone:
		return []byte("null"), nil
	case PayloadConversation:
		value = p.conversation
	case PayloadFact:
		value = p.fact
	case PayloadContext:
		value = p.context
	case PayloadJSON:
		value = p.raw
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.kind)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: p.kind, Value: b})
}

// UnmarshalJSON decodes the envelope written by MarshalJSON.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = Payload{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	switch env.Kind {
	case PayloadNone:
		return nil
	case PayloadConversation:
		var m ConversationMeta
		if err := json.Unmarshal(env.Value, &m); err != nil {
			return err
		}
		*p = ConversationPayload(m)
	case PayloadFact:
		var m FactMeta
		if err := json.Unmarshal(env.Value, &m); err != nil {
			return err
		}
		*p = FactPayload(m)
	case PayloadContext:
		var d ContextData
		if err := json.Unmarshal(env.Value, &d); err != nil {
			return err
		}
		*p = ContextPayload(d)
	case PayloadJSON:
		*p = RawPayload(env.Value)
	default:
		return fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	return nil
}

// EncodePayload returns the column value for a payload (nil for empty).
func EncodePayload(p Payload) (any, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DecodePayload parses a nullable payload column.
func DecodePayload(s *string) (Payload, error) {
	var p Payload
	if s == nil || *s == "" {
		return p, nil
	}
	if err := p.UnmarshalJSON([]byte(*s)); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
