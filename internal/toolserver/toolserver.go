// Package toolserver exposes the engine's governance primitives to the
// agent host over a line-delimited JSON-RPC transport: one request per
// line in, one response per line out.
package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/audit"
	"github.com/sibyllai/khoregos/internal/boundary"
	"github.com/sibyllai/khoregos/internal/lockmgr"
	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/state"
)

// Request is one inbound line: a tool invocation addressed by id.
type Request struct {
	ID    string          `json:"id"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Response is one outbound line, echoing the request's id verbatim.
type Response struct {
	ID     string          `json:"id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Server dispatches tool calls against a single session's state, audit
// log, boundary enforcer, and lock manager.
type Server struct {
	sessionID string
	state     *state.Manager
	auditLog  *audit.Logger
	boundary  *boundary.Enforcer
	locks     *lockmgr.Manager
	log       zerolog.Logger
}

// New creates a Server bound to one session's components.
func New(sessionID string, st *state.Manager, al *audit.Logger, be *boundary.Enforcer, lm *lockmgr.Manager, log zerolog.Logger) *Server {
	return &Server{sessionID: sessionID, state: st, auditLog: al, boundary: be, locks: lm, log: log}
}

// Serve reads one request per line from r, dispatches it, and writes one
// response per line to w, until r is exhausted or ctx is canceled. A
// malformed line produces an error response; it never terminates the
// server.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			resp := s.handleLine(ctx, line)
			if writeErr := writeResponse(w, resp); writeErr != nil {
				return fmt.Errorf("write response: %w", writeErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func writeResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{ID: uuid.New().String(), Error: fmt.Sprintf("malformed request: %v", err)}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	return s.Dispatch(ctx, req)
}

// Dispatch handles one already-decoded Request. It never panics: handler
// errors, unknown tools, and recovered handler panics all come back as a
// populated Error field rather than leaving the request unanswered.
func (s *Server) Dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("tool", req.Tool).Msg("tool handler panicked")
			resp = Response{ID: req.ID, Error: fmt.Sprintf("tool %q panicked: %v", req.Tool, r)}
		}
	}()

	handler, ok := handlers[req.Tool]
	if !ok {
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown tool %q", req.Tool)}
	}
	output, err := handler(ctx, s, req.Input)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	data, err := json.Marshal(output)
	if err != nil {
		return Response{ID: req.ID, Error: fmt.Sprintf("marshal output: %v", err)}
	}
	return Response{ID: req.ID, Output: data}
}

// resolveAgentID looks up an agent by name, auto-registering it as a
// teammate if it has not been seen before in this session — tool callers
// identify themselves by name, not by the internal agent id.
func (s *Server) resolveAgentID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	agent, err := s.state.GetAgentByName(ctx, s.sessionID, name)
	if err != nil {
		return "", fmt.Errorf("resolve agent %s: %w", name, err)
	}
	if agent != nil {
		return agent.ID, nil
	}
	agent, err = s.state.CreateAgent(ctx, s.sessionID, name, model.RoleTeammate, "", "")
	if err != nil {
		return "", fmt.Errorf("auto-register agent %s: %w", name, err)
	}
	return agent.ID, nil
}
