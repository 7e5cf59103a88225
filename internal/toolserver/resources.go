package toolserver

import (
	"context"
	"fmt"
)

const (
	// ResourceCurrentSession returns the current session's metadata.
	ResourceCurrentSession = "k6s://session/current"
	// ResourceRecentAudit returns the last 50 audit events.
	ResourceRecentAudit = "k6s://audit/recent"
	// ResourceAllBoundaries returns every configured boundary rule.
	ResourceAllBoundaries = "k6s://boundaries/all"
)

// ReadResource serves one of the server's read-only resource URIs. Unlike
// tool calls, resources never mutate state and take no input beyond the
// URI itself.
func (s *Server) ReadResource(ctx context.Context, uri string) (any, error) {
	switch uri {
	case ResourceCurrentSession:
		sess, err := s.state.GetSession(ctx, s.sessionID)
		if err != nil {
			return nil, fmt.Errorf("read resource %s: %w", uri, err)
		}
		if sess == nil {
			return nil, fmt.Errorf("read resource %s: no such session", uri)
		}
		return sess, nil

	case ResourceRecentAudit:
		events, err := s.auditLog.GetEvents(ctx, 50, 0, "", "", nil)
		if err != nil {
			return nil, fmt.Errorf("read resource %s: %w", uri, err)
		}
		return events, nil

	case ResourceAllBoundaries:
		return s.boundary.Configs(), nil

	default:
		return nil, fmt.Errorf("unknown resource %q", uri)
	}
}
