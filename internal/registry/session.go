package registry

import (
	"context"

	"github.com/nodewarden/validator-supervisor/internal/resilience"
)

// ScopedSession owns a Session and guarantees it is either destroyed or
// handed off to a caller that takes ownership. There is no finalizer here:
// every code path that creates one must reach Destroy or Release before it
// goes out of scope — enforced by convention (one owning call site per
// state), not by the runtime.
type ScopedSession struct {
	session *Session
	client  *Client
}

// NewScopedSession wraps a freshly created session.
func NewScopedSession(client *Client, s *Session) *ScopedSession {
	return &ScopedSession{session: s, client: client}
}

// Session returns the wrapped session for read-only use (renew, acquire).
func (s *ScopedSession) Session() *Session {
	return s.session
}

// Release hands the wrapped session off to the caller, e.g. on promotion
// from Voting to Validating, without destroying it.
func (s *ScopedSession) Release() *Session {
	return s.session
}

// Destroy deletes the underlying registry session, retrying under
// resilience.ScopedSessionDestroyPolicy (~27s total) before giving up.
// Best-effort: a final failure just means the session will self-expire
// after its TTL.
func (s *ScopedSession) Destroy(ctx context.Context) {
	policy := resilience.ScopedSessionDestroyPolicy()
	_ = resilience.Retry(ctx, policy, resilience.ScopedSessionDestroyAttempts, func() error {
		return s.client.DeleteSession(ctx, s.session)
	})
}
