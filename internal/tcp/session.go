package tcp

import (
	"sync"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/protocol"
	"github.com/luciancaetano/skillbridge/message"
)

// Session accumulates the next outgoing envelope of one connection.
// Handlers fill it during dispatch; the connection packs and clears it with
// GetResponse once dispatch completes.
type Session struct {
	mu      sync.Mutex
	pending *message.Envelope
	post    []skillbridge.PostResponser
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{}
}

func (s *Session) ensureLocked() {
	if s.pending == nil {
		s.pending = &message.Envelope{}
	}
	if s.pending.Response == nil {
		s.pending.Response = &message.Response{}
	}
}

// Response returns the Response slot of the pending envelope, creating both
// on first use. Writes through the returned pointer are not guarded by the
// session lock and race with a concurrent GetResponse when several workers
// serve the connection. Use SetResponse or UpdateResponse from handlers.
func (s *Session) Response() *message.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked()
	return s.pending.Response
}

// SetResponse stores p as the pending response payload.
func (s *Session) SetResponse(p message.ResponsePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked()
	s.pending.Response.Payload = p
}

// UpdateResponse calls fn with the pending Response slot under the session
// lock. fn must not retain resp or call back into s.
func (s *Session) UpdateResponse(fn func(resp *message.Response)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked()
	fn(s.pending.Response)
}

// HasPending reports whether GetResponse would produce a frame.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending.IsEmpty()
}

// GetResponse runs the post-responsers over the pending response, packs the
// envelope and clears it. It returns nil, nil when nothing is pending.
func (s *Session) GetResponse() ([]byte, error) {
	s.mu.Lock()
	env := s.pending
	s.pending = nil
	post := s.post
	s.mu.Unlock()

	if env.IsEmpty() {
		return nil, nil
	}
	if env.Response != nil {
		for _, p := range post {
			p.PostProcess(env.Response)
		}
	}
	return protocol.Pack(env)
}

// AddPostResponser registers p for every later GetResponse.
func (s *Session) AddPostResponser(p skillbridge.PostResponser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.post = append(s.post[:len(s.post):len(s.post)], p)
}
