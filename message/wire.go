package message

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed is returned when bytes do not decode as the expected message.
	ErrMalformed = errors.New("message: malformed bytes")

	// ErrUnknownPayload is returned when a Request or Response names a payload
	// field this build does not know about.
	ErrUnknownPayload = errors.New("message: unknown payload type")

	// ErrNilEnvelope is returned when marshaling a nil envelope.
	ErrNilEnvelope = errors.New("message: nil envelope")
)

const (
	fieldRequest  protowire.Number = 1
	fieldResponse protowire.Number = 2
)

var requestFields = map[Kind]protowire.Number{
	KindFirstTestRequest: 1,
	KindHeartbeatRequest: 2,
}

var responseFields = map[Kind]protowire.Number{
	KindFirstTestResponse: 1,
	KindHeartbeatResponse: 2,
}

func newRequestPayload(num protowire.Number) RequestPayload {
	switch num {
	case 1:
		return &FirstTestRequest{}
	case 2:
		return &HeartbeatRequest{}
	}
	return nil
}

func newResponsePayload(num protowire.Number) ResponsePayload {
	switch num {
	case 1:
		return &FirstTestResponse{}
	case 2:
		return &HeartbeatResponse{}
	}
	return nil
}

// Marshal encodes e into its wire representation.
func Marshal(e *Envelope) ([]byte, error) {
	return e.Marshal()
}

// Unmarshal decodes one envelope from b.
func Unmarshal(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := e.Unmarshal(b); err != nil {
		return nil, err
	}
	return e, nil
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}
	var b []byte
	if e.Request != nil {
		inner, err := appendSlot(nil, e.Request.Payload, requestFields)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if e.Response != nil {
		inner, err := appendSlot(nil, e.Response.Payload, responseFields)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

// appendSlot encodes the oneof body of a Request or Response.
func appendSlot(b []byte, p Payload, fields map[Kind]protowire.Number) ([]byte, error) {
	if absent(p) {
		return b, nil
	}
	num, ok := fields[p.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayload, p.Kind())
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, p.appendTo(nil))
	return b, nil
}

// Unmarshal replaces the envelope's contents with the decoded bytes.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	return walk(b, func(f field) error {
		switch f.num {
		case fieldRequest:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("%w: request has wire type %d", ErrMalformed, f.typ)
			}
			req := &Request{}
			if err := walk(f.bytes, func(pf field) error {
				p := newRequestPayload(pf.num)
				if p == nil {
					return fmt.Errorf("%w: request field %d", ErrUnknownPayload, pf.num)
				}
				if pf.typ != protowire.BytesType {
					return fmt.Errorf("%w: %s has wire type %d", ErrMalformed, p.Kind(), pf.typ)
				}
				if err := p.unmarshal(pf.bytes); err != nil {
					return err
				}
				req.Payload = p
				return nil
			}); err != nil {
				return err
			}
			e.Request = req
		case fieldResponse:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("%w: response has wire type %d", ErrMalformed, f.typ)
			}
			resp := &Response{}
			if err := walk(f.bytes, func(pf field) error {
				p := newResponsePayload(pf.num)
				if p == nil {
					return fmt.Errorf("%w: response field %d", ErrUnknownPayload, pf.num)
				}
				if pf.typ != protowire.BytesType {
					return fmt.Errorf("%w: %s has wire type %d", ErrMalformed, p.Kind(), pf.typ)
				}
				if err := p.unmarshal(pf.bytes); err != nil {
					return err
				}
				resp.Payload = p
				return nil
			}); err != nil {
				return err
			}
			e.Response = resp
		}
		return nil
	})
}

// field is one decoded protobuf field. Only bytes and varint values are
// surfaced; other wire types are skipped by walk.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.bytes = v
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.varint = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func (m *FirstTestRequest) appendTo(b []byte) []byte {
	return appendString(b, 1, m.HelloWorld)
}

func (m *FirstTestRequest) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.num == 1 && f.typ == protowire.BytesType {
			m.HelloWorld = string(f.bytes)
		}
		return nil
	})
}

func (m *FirstTestResponse) appendTo(b []byte) []byte {
	return appendString(b, 1, m.Message)
}

func (m *FirstTestResponse) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.num == 1 && f.typ == protowire.BytesType {
			m.Message = string(f.bytes)
		}
		return nil
	})
}

func (m *HeartbeatRequest) appendTo(b []byte) []byte {
	return appendInt64(b, 1, m.ClientTime)
}

func (m *HeartbeatRequest) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.num == 1 && f.typ == protowire.VarintType {
			m.ClientTime = int64(f.varint)
		}
		return nil
	})
}

func (m *HeartbeatResponse) appendTo(b []byte) []byte {
	b = appendInt64(b, 1, m.ClientTime)
	return appendInt64(b, 2, m.ServerTime)
}

func (m *HeartbeatResponse) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.typ != protowire.VarintType {
			return nil
		}
		switch f.num {
		case 1:
			m.ClientTime = int64(f.varint)
		case 2:
			m.ServerTime = int64(f.varint)
		}
		return nil
	})
}
