package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// wire is the persisted and cross-process form of an envelope. The
// _kind tag drives deserialization dispatch.
type wire struct {
	Kind            string          `json:"_kind"`
	ProducedBy      string          `json:"produced_by,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
	ContentType     ContentType     `json:"content_type"`
	Body            json.RawMessage `json:"body"`
	Meta            map[string]any  `json:"meta,omitempty"`
	Representations map[string]any  `json:"representations,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := wire{
		Kind:            e.kind,
		ProducedBy:      e.producedBy,
		TraceID:         e.traceID,
		ContentType:     e.contentType,
		Meta:            e.meta,
		Representations: e.representations,
	}

	var (
		body []byte
		err  error
	)
	switch e.contentType {
	case RawText:
		body, err = json.Marshal(e.text)
	case Binary:
		body, err = json.Marshal(base64.StdEncoding.EncodeToString(e.bin))
	case Conversation:
		body, err = json.Marshal(e.dialogue)
	case ErrorKind:
		body, err = json.Marshal(e.fault)
	default:
		body, err = json.Marshal(e.object)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal envelope body: %w", err)
	}
	w.Body = body

	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown kinds degrade to a
// generic envelope that preserves body and meta.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	e.kind = w.Kind
	e.contentType = w.ContentType
	e.producedBy = w.ProducedBy
	e.traceID = w.TraceID
	e.meta = w.Meta
	if e.meta == nil {
		e.meta = make(map[string]any)
	}
	e.representations = w.Representations
	e.text = ""
	e.object = nil
	e.bin = nil
	e.dialogue = nil
	e.fault = nil

	switch w.Kind {
	case kindText:
		e.contentType = RawText
		if err := json.Unmarshal(w.Body, &e.text); err != nil {
			return fmt.Errorf("unmarshal text body: %w", err)
		}
	case kindBinary:
		e.contentType = Binary
		var b64 string
		if err := json.Unmarshal(w.Body, &b64); err != nil {
			return fmt.Errorf("unmarshal binary body: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decode binary body: %w", err)
		}
		e.bin = raw
	case kindConversation:
		e.contentType = Conversation
		e.dialogue = &Dialogue{}
		if err := json.Unmarshal(w.Body, e.dialogue); err != nil {
			return fmt.Errorf("unmarshal conversation body: %w", err)
		}
	case kindError:
		e.contentType = ErrorKind
		e.fault = &Fault{}
		if err := json.Unmarshal(w.Body, e.fault); err != nil {
			return fmt.Errorf("unmarshal error body: %w", err)
		}
	case kindJSON:
		e.contentType = Object
		if err := json.Unmarshal(w.Body, &e.object); err != nil {
			return fmt.Errorf("unmarshal object body: %w", err)
		}
	default:
		// Unknown kind, keep the body as untyped data
		if err := json.Unmarshal(w.Body, &e.object); err != nil {
			return fmt.Errorf("unmarshal body for kind %q: %w", w.Kind, err)
		}
	}

	return nil
}
