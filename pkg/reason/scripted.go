package reason

import (
	"context"
	"sync"
)

// Scripted is a Provider that replays canned responses in order. It exists
// for tests and dry runs; when the script is exhausted the last response is
// repeated, which makes "model keeps asking for tools" scenarios easy to
// express.
type Scripted struct {
	ProviderName string

	mu        sync.Mutex
	responses []*Response
	next      int
	err       error
	requests  []Request
}

// NewScripted creates a scripted provider that will replay the given
// responses.
func NewScripted(responses ...*Response) *Scripted {
	return &Scripted{
		ProviderName: "anthropic",
		responses:    responses,
	}
}

// Name returns the provider name the script impersonates.
func (s *Scripted) Name() string {
	return s.ProviderName
}

// FailWith makes every subsequent Complete call return err.
func (s *Scripted) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CallCount returns how many Complete calls have been made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Complete records the request and returns the next scripted response.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &Response{StopReason: StopEndTurn}, nil
	}

	resp := s.responses[s.next]
	if s.next < len(s.responses)-1 {
		s.next++
	}
	return resp, nil
}
