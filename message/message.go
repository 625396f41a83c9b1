// Package message defines the envelope exchanged between game clients and
// servers and the concrete payloads it can carry.
//
// An Envelope holds at most one Request and at most one Response. Each of
// those carries exactly one payload, identified by its Kind. Dispatching code
// matches on the Kind instead of inspecting the payload at runtime.
//
// The wire layout is protobuf compatible:
//
//	Envelope  { Request request = 1; Response response = 2; }
//	Request   { oneof payload { FirstTestRequest first_test = 1; HeartbeatRequest heartbeat = 2; } }
//	Response  { oneof payload { FirstTestResponse first_test = 1; HeartbeatResponse heartbeat = 2; } }
package message

import "fmt"

// Kind identifies a concrete payload type.
type Kind uint16

const (
	KindUnknown Kind = 0

	KindFirstTestRequest Kind = 1
	KindHeartbeatRequest Kind = 2

	KindFirstTestResponse Kind = 101
	KindHeartbeatResponse Kind = 102
)

// String returns the payload type name.
func (k Kind) String() string {
	switch k {
	case KindFirstTestRequest:
		return "FirstTestRequest"
	case KindHeartbeatRequest:
		return "HeartbeatRequest"
	case KindFirstTestResponse:
		return "FirstTestResponse"
	case KindHeartbeatResponse:
		return "HeartbeatResponse"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// IsRequest reports whether k names a request payload.
func (k Kind) IsRequest() bool {
	_, ok := requestFields[k]
	return ok
}

// IsResponse reports whether k names a response payload.
func (k Kind) IsResponse() bool {
	_, ok := responseFields[k]
	return ok
}

// Payload is implemented by every concrete message carried in a Request or
// Response. The set is closed: only types in this package implement it.
type Payload interface {
	Kind() Kind
	appendTo(b []byte) []byte
	unmarshal(b []byte) error
}

// absent reports whether p carries no payload, including a typed nil
// pointer stored in the interface. Absent payloads are neither encoded nor
// dispatched.
func absent(p Payload) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *FirstTestRequest:
		return v == nil
	case *HeartbeatRequest:
		return v == nil
	case *FirstTestResponse:
		return v == nil
	case *HeartbeatResponse:
		return v == nil
	}
	return false
}

// RequestPayload is a payload that travels in the Request slot.
type RequestPayload interface {
	Payload
	isRequest()
}

// ResponsePayload is a payload that travels in the Response slot.
type ResponsePayload interface {
	Payload
	isResponse()
}

// Envelope is the top-level unit of communication.
type Envelope struct {
	Request  *Request
	Response *Response
}

// Request wraps a single request payload.
type Request struct {
	Payload RequestPayload
}

// Response wraps a single response payload.
type Response struct {
	Payload ResponsePayload
}

// NewRequest returns an envelope carrying p in its Request slot.
func NewRequest(p RequestPayload) *Envelope {
	return &Envelope{Request: &Request{Payload: p}}
}

// NewResponse returns an envelope carrying p in its Response slot.
func NewResponse(p ResponsePayload) *Envelope {
	return &Envelope{Response: &Response{Payload: p}}
}

// IsEmpty reports whether neither slot carries a payload. Empty envelopes are
// never dispatched.
func (e *Envelope) IsEmpty() bool {
	if e == nil {
		return true
	}
	return (e.Request == nil || absent(e.Request.Payload)) &&
		(e.Response == nil || absent(e.Response.Payload))
}

// Payloads returns the populated payloads, request first.
func (e *Envelope) Payloads() []Payload {
	if e == nil {
		return nil
	}
	var out []Payload
	if e.Request != nil && !absent(e.Request.Payload) {
		out = append(out, e.Request.Payload)
	}
	if e.Response != nil && !absent(e.Response.Payload) {
		out = append(out, e.Response.Payload)
	}
	return out
}

// String renders the envelope for log lines.
func (e *Envelope) String() string {
	if e == nil {
		return "Envelope(nil)"
	}
	req, resp := "-", "-"
	if e.Request != nil && !absent(e.Request.Payload) {
		req = e.Request.Payload.Kind().String()
	}
	if e.Response != nil && !absent(e.Response.Payload) {
		resp = e.Response.Payload.Kind().String()
	}
	return fmt.Sprintf("Envelope(request=%s response=%s)", req, resp)
}

// FirstTestRequest is the handshake-style test request sent by new clients.
type FirstTestRequest struct {
	HelloWorld string
}

func (*FirstTestRequest) Kind() Kind { return KindFirstTestRequest }
func (*FirstTestRequest) isRequest() {}

// FirstTestResponse answers a FirstTestRequest.
type FirstTestResponse struct {
	Message string
}

func (*FirstTestResponse) Kind() Kind { return KindFirstTestResponse }
func (*FirstTestResponse) isResponse() {}

// HeartbeatRequest is sent periodically by clients to keep the connection warm.
type HeartbeatRequest struct {
	// ClientTime is the client's clock in unix milliseconds.
	ClientTime int64
}

func (*HeartbeatRequest) Kind() Kind { return KindHeartbeatRequest }
func (*HeartbeatRequest) isRequest() {}

// HeartbeatResponse echoes the client's timestamp together with the server's.
type HeartbeatResponse struct {
	ClientTime int64
	ServerTime int64
}

func (*HeartbeatResponse) Kind() Kind { return KindHeartbeatResponse }
func (*HeartbeatResponse) isResponse() {}
