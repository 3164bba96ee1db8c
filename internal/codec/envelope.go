package codec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ChangeTag is the closed set of record kinds carried on the shared log
type ChangeTag int

const (
	// TagUnknown is any wire tag this build does not recognize; such records are dropped
	TagUnknown ChangeTag = iota
	// TagOnline announces a worker joining, carrying its full mapping
	TagOnline
	// TagDelta carries changed entries
	TagDelta
)

func (t ChangeTag) String() string {
	switch t {
	case TagOnline:
		return "online"
	case TagDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// TagNames maps change tags to the stable string constants of one store
type TagNames struct {
	Online string
	Delta  string
}

// Name returns the wire string for tag
func (n TagNames) Name(tag ChangeTag) (string, error) {
	switch tag {
	case TagOnline:
		return n.Online, nil
	case TagDelta:
		return n.Delta, nil
	default:
		return "", fmt.Errorf("no wire name for tag %s", tag)
	}
}

// Parse resolves a wire string; unrecognized strings yield TagUnknown
func (n TagNames) Parse(name string) ChangeTag {
	switch name {
	case n.Online:
		return TagOnline
	case n.Delta:
		return TagDelta
	default:
		return TagUnknown
	}
}

// Envelope is one record on the shared log
type Envelope struct {
	ID      string    // unique per publication, for log correlation
	Tag     string    // wire tag string
	Origin  string    // publishing worker id
	SentAt  time.Time // publisher clock, informational only
	Payload []byte    // whole-mapping codec output
}

// Protobuf field numbers of the envelope
const (
	fieldID      protowire.Number = 1
	fieldTag     protowire.Number = 2
	fieldOrigin  protowire.Number = 3
	fieldSentAt  protowire.Number = 4
	fieldPayload protowire.Number = 5
)

// MarshalEnvelope encodes e in protobuf wire format
func MarshalEnvelope(e Envelope) []byte {
	b := make([]byte, 0, len(e.Payload)+len(e.ID)+len(e.Tag)+len(e.Origin)+32)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
	b = protowire.AppendString(b, e.Tag)
	b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
	b = protowire.AppendString(b, e.Origin)
	if !e.SentAt.IsZero() {
		b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.SentAt.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// UnmarshalEnvelope decodes bytes produced by MarshalEnvelope. Unknown fields
// are skipped; truncated or mistyped fields yield ErrMalformedPayload.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	var sawTag bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, malformedWire(n)
		}
		data = data[n:]

		switch {
		case num == fieldSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Envelope{}, malformedWire(n)
			}
			e.SentAt = time.Unix(0, int64(v))
			data = data[n:]

		case typ == protowire.BytesType && num >= fieldID && num <= fieldPayload && num != fieldSentAt:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Envelope{}, malformedWire(n)
			}
			switch num {
			case fieldID:
				e.ID = string(v)
			case fieldTag:
				e.Tag = string(v)
				sawTag = true
			case fieldOrigin:
				e.Origin = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, malformedWire(n)
			}
			data = data[n:]
		}
	}

	if !sawTag {
		return Envelope{}, fmt.Errorf("%w: envelope has no tag", ErrMalformedPayload)
	}
	return e, nil
}

func malformedWire(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
}
