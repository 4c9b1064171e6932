// Package envelope defines the immutable typed data packets passed
// between diagram nodes. Each envelope is one of a closed set of kinds
// (text, json, binary, conversation, error) with per-kind accessors
// that fail on mismatch.
package envelope

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// ContentType tags what an envelope carries.
type ContentType string

const (
	RawText      ContentType = "raw_text"
	Object       ContentType = "object"
	Binary       ContentType = "binary"
	Conversation ContentType = "conversation_state"
	ErrorKind    ContentType = "error"
)

// Wire kind tags, one per envelope variant.
const (
	kindText         = "TextEnvelope"
	kindJSON         = "JsonEnvelope"
	kindBinary       = "BinaryEnvelope"
	kindConversation = "ConversationEnvelope"
	kindError        = "ErrorEnvelope"
)

// Well-known meta keys.
const (
	MetaTimestamp   = "ts"
	MetaBranch      = "branch"
	MetaWrappedList = "wrapped_list"
	MetaErrorType   = "error_type"
	MetaCancelled   = "cancelled"
	MetaOverwrites  = "overwrites"
	MetaIteration   = "iteration"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Dialogue is the payload of a conversation_state envelope.
type Dialogue struct {
	Messages []Message `json:"messages"`
}

// Append returns a new dialogue with one more turn.
func (d *Dialogue) Append(role, content string) *Dialogue {
	out := &Dialogue{Messages: make([]Message, 0, len(d.Messages)+1)}
	out.Messages = append(out.Messages, d.Messages...)
	out.Messages = append(out.Messages, Message{Role: role, Content: content})
	return out
}

// Fault is the payload of an error envelope.
type Fault struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type,omitempty"`
}

// Envelope is immutable after construction. With* methods return
// modified copies and never touch the receiver.
type Envelope struct {
	kind            string
	contentType     ContentType
	producedBy      string
	traceID         string
	meta            map[string]any
	representations map[string]any

	text     string
	object   any
	bin      []byte
	dialogue *Dialogue
	fault    *Fault
}

func base(kind string, ct ContentType, producedBy string) *Envelope {
	return &Envelope{
		kind:        kind,
		contentType: ct,
		producedBy:  producedBy,
		meta:        map[string]any{MetaTimestamp: time.Now().UnixMilli()},
	}
}

// NewText creates a raw_text envelope.
func NewText(producedBy, text string) *Envelope {
	e := base(kindText, RawText, producedBy)
	e.text = text
	return e
}

// NewJSON creates an object envelope holding any JSON-compatible value.
func NewJSON(producedBy string, v any) *Envelope {
	e := base(kindJSON, Object, producedBy)
	e.object = v
	return e
}

// NewBinary creates a binary envelope. The data is copied.
func NewBinary(producedBy string, data []byte) *Envelope {
	e := base(kindBinary, Binary, producedBy)
	e.bin = append([]byte(nil), data...)
	return e
}

// NewConversation creates a conversation_state envelope.
func NewConversation(producedBy string, d *Dialogue) *Envelope {
	e := base(kindConversation, Conversation, producedBy)
	if d == nil {
		d = &Dialogue{}
	}
	e.dialogue = d
	return e
}

// NewError creates an error envelope. errorType names the failure
// class, such as HandlerError or TimeoutError.
func NewError(producedBy, message, errorType string) *Envelope {
	e := base(kindError, ErrorKind, producedBy)
	e.fault = &Fault{Message: message, ErrorType: errorType}
	e.meta[MetaErrorType] = errorType
	return e
}

// Pack wraps an arbitrary Go value into the best-fitting envelope:
// strings become text, byte slices binary, dialogues conversation,
// errors error envelopes, everything else an object envelope. Lists
// are tagged wrapped_list in meta.
func Pack(producedBy string, v any) *Envelope {
	switch val := v.(type) {
	case nil:
		return NewText(producedBy, "")
	case *Envelope:
		return val
	case string:
		return NewText(producedBy, val)
	case []byte:
		return NewBinary(producedBy, val)
	case *Dialogue:
		return NewConversation(producedBy, val)
	case error:
		return NewError(producedBy, val.Error(), "HandlerError")
	case []any:
		return NewJSON(producedBy, val).WithMeta(MetaWrappedList, true)
	default:
		return NewJSON(producedBy, val)
	}
}

// Kind returns the wire kind tag.
func (e *Envelope) Kind() string { return e.kind }

// ContentType returns the content type tag.
func (e *Envelope) ContentType() ContentType { return e.contentType }

// ProducedBy returns the id of the node that produced this envelope.
func (e *Envelope) ProducedBy() string { return e.producedBy }

// TraceID returns the execution id the envelope belongs to.
func (e *Envelope) TraceID() string { return e.traceID }

// IsError reports whether this is an error envelope.
func (e *Envelope) IsError() bool { return e.contentType == ErrorKind }

// Meta returns a copy of the meta map.
func (e *Envelope) Meta() map[string]any {
	out := make(map[string]any, len(e.meta))
	for k, v := range e.meta {
		out[k] = v
	}
	return out
}

// MetaValue looks up a single meta key.
func (e *Envelope) MetaValue(key string) (any, bool) {
	v, ok := e.meta[key]
	return v, ok
}

// Representations returns a copy of the representation map.
func (e *Envelope) Representations() map[string]any {
	if len(e.representations) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.representations))
	for k, v := range e.representations {
		out[k] = v
	}
	return out
}

// Representation looks up a single named view.
func (e *Envelope) Representation(name string) (any, bool) {
	v, ok := e.representations[name]
	return v, ok
}

// Text returns the body of a raw_text envelope.
func (e *Envelope) Text() (string, error) {
	if e.contentType != RawText {
		return "", fmt.Errorf("envelope kind mismatch: want %s, have %s", RawText, e.contentType)
	}
	return e.text, nil
}

// JSON returns the body of an object envelope.
func (e *Envelope) JSON() (any, error) {
	if e.contentType != Object {
		return nil, fmt.Errorf("envelope kind mismatch: want %s, have %s", Object, e.contentType)
	}
	return e.object, nil
}

// Bytes returns a copy of the body of a binary envelope.
func (e *Envelope) Bytes() ([]byte, error) {
	if e.contentType != Binary {
		return nil, fmt.Errorf("envelope kind mismatch: want %s, have %s", Binary, e.contentType)
	}
	return append([]byte(nil), e.bin...), nil
}

// Conversation returns the dialogue of a conversation_state envelope.
func (e *Envelope) Conversation() (*Dialogue, error) {
	if e.contentType != Conversation {
		return nil, fmt.Errorf("envelope kind mismatch: want %s, have %s", Conversation, e.contentType)
	}
	return e.dialogue, nil
}

// Fault returns the payload of an error envelope.
func (e *Envelope) Fault() (*Fault, error) {
	if e.contentType != ErrorKind {
		return nil, fmt.Errorf("envelope kind mismatch: want %s, have %s", ErrorKind, e.contentType)
	}
	return e.fault, nil
}

// Body returns the untyped body value. Handlers projecting inputs into
// native form use this; everyone else should prefer the typed accessors.
func (e *Envelope) Body() any {
	switch e.contentType {
	case RawText:
		return e.text
	case Object:
		return e.object
	case Binary:
		return append([]byte(nil), e.bin...)
	case Conversation:
		return e.dialogue
	case ErrorKind:
		return e.fault
	default:
		return e.object
	}
}

// Preview renders a bounded, human-readable view of the body for event
// summaries. The full payload stays in the store.
func (e *Envelope) Preview(limit int) string {
	var s string
	switch e.contentType {
	case RawText:
		s = e.text
	case Binary:
		s = fmt.Sprintf("<%d bytes>", len(e.bin))
	case ErrorKind:
		s = e.fault.Message
	case Conversation:
		if n := len(e.dialogue.Messages); n > 0 {
			s = e.dialogue.Messages[n-1].Content
		}
	default:
		s = fmt.Sprintf("%v", e.object)
	}
	if limit > 0 && len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// WithTrace returns a copy tagged with the given execution id.
func (e *Envelope) WithTrace(traceID string) *Envelope {
	out := e.clone()
	out.traceID = traceID
	return out
}

// WithMeta returns a copy with one meta key set.
func (e *Envelope) WithMeta(key string, value any) *Envelope {
	out := e.clone()
	out.meta[key] = value
	return out
}

// WithRepresentation returns a copy with one named view attached.
func (e *Envelope) WithRepresentation(name string, v any) *Envelope {
	out := e.clone()
	if out.representations == nil {
		out.representations = make(map[string]any)
	}
	out.representations[name] = v
	return out
}

// Clone returns an independent copy.
func (e *Envelope) Clone() *Envelope {
	return e.clone()
}

func (e *Envelope) clone() *Envelope {
	out := &Envelope{
		kind:        e.kind,
		contentType: e.contentType,
		producedBy:  e.producedBy,
		traceID:     e.traceID,
		text:        e.text,
		object:      e.object,
	}
	out.meta = make(map[string]any, len(e.meta))
	for k, v := range e.meta {
		out.meta[k] = v
	}
	if e.representations != nil {
		out.representations = make(map[string]any, len(e.representations))
		for k, v := range e.representations {
			out.representations[k] = v
		}
	}
	if e.bin != nil {
		out.bin = append([]byte(nil), e.bin...)
	}
	if e.dialogue != nil {
		d := *e.dialogue
		d.Messages = append([]Message(nil), e.dialogue.Messages...)
		out.dialogue = &d
	}
	if e.fault != nil {
		f := *e.fault
		out.fault = &f
	}
	return out
}
