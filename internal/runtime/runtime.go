// Package runtime composes the store, event bus, state manager, audit
// logger, boundary enforcer, lock manager, watcher, and tool server into
// one governed session, and owns its startup and shutdown sequencing.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/audit"
	"github.com/sibyllai/khoregos/internal/boundary"
	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/eventbus"
	"github.com/sibyllai/khoregos/internal/lockmgr"
	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/state"
	"github.com/sibyllai/khoregos/internal/store"
	"github.com/sibyllai/khoregos/internal/toolserver"
	"github.com/sibyllai/khoregos/internal/watcher"
)

// EngineDirName is the per-project directory the engine persists state
// under, relative to the project root.
const EngineDirName = ".khoregos"

// ErrAlreadyRunning is returned by Start when a liveness marker already
// exists for this project.
var ErrAlreadyRunning = errors.New("a session is already running for this project")

// Runtime is one governed session's composed set of components.
type Runtime struct {
	projectRoot string
	engineDir   string
	cfg         *config.Config
	log         zerolog.Logger

	store    *store.Store
	bus      *eventbus.Bus
	state    *state.Manager
	auditLog *audit.Logger
	boundary *boundary.Enforcer
	locks    *lockmgr.Manager
	watcher  *watcher.Watcher
	tools    *toolserver.Server
	sinks    []EventSink

	session *model.Session

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Runtime for the given project root and configuration. It
// performs no I/O until Start is called.
func New(projectRoot string, cfg *config.Config, log zerolog.Logger) *Runtime {
	return &Runtime{
		projectRoot: projectRoot,
		engineDir:   filepath.Join(projectRoot, EngineDirName),
		cfg:         cfg,
		log:         log,
	}
}

func (r *Runtime) livenessPath() string {
	return filepath.Join(r.engineDir, "daemon.state")
}

func (r *Runtime) dbPath() string {
	return filepath.Join(r.engineDir, "k6s.db")
}

// Start opens the store, runs migrations, creates a new session for
// objective, wires every component, and begins the watcher and audit
// logger background loops. It refuses to start a second session while a
// liveness marker for this project already exists.
func (r *Runtime) Start(ctx context.Context, objective, parentSessionID string) (*model.Session, error) {
	if existing, err := readLiveness(r.livenessPath()); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w (session %s started at %s)", ErrAlreadyRunning, existing.SessionID, existing.StartedAt)
	}

	st, err := store.Open(ctx, r.dbPath(), r.log)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	r.store = st
	r.state = state.New(st)

	configSnapshot := ""
	sess, err := r.state.CreateSession(ctx, objective, configSnapshot, parentSessionID)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	r.session = sess

	r.bus = eventbus.New(256, r.log)
	r.wireSinks()
	r.bus.Start()

	r.auditLog, err = audit.New(ctx, st, r.bus, sess.ID, r.log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	r.auditLog.Start()

	r.boundary = boundary.New(st, r.cfg.Boundaries, r.projectRoot)
	r.locks = lockmgr.New(st, sess.ID)
	r.tools = toolserver.New(sess.ID, r.state, r.auditLog, r.boundary, r.locks, r.log)

	r.watcher, err = watcher.New(r.projectRoot, nil, r.log)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	if err := r.watcher.Start(); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	r.wg.Add(1)
	go r.watchLoop()

	if err := r.state.MarkSessionActive(ctx, sess.ID); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	if _, err := r.auditLog.Log(model.EventSessionStart, "session started", "", objective, nil, ""); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}

	if err := writeLiveness(r.livenessPath(), Liveness{
		SessionID:   sess.ID,
		StartedAt:   sess.StartedAt,
		ProjectRoot: r.projectRoot,
	}); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}

	return sess, nil
}

// ToolServer exposes the wired tool-call server for a caller to Serve
// against a transport.
func (r *Runtime) ToolServer() *toolserver.Server {
	return r.tools
}

// Session returns the runtime's active session.
func (r *Runtime) Session() *model.Session {
	return r.session
}

func (r *Runtime) wireSinks() {
	r.sinks = append(r.sinks, newPrometheusSink(r.cfg.Observability.Prometheus))
	r.sinks = append(r.sinks, newOTelSink(r.cfg.Observability.OpenTelemetry))
	r.sinks = append(r.sinks, newWebhookSinks(r.cfg.Observability.Webhooks)...)
	for _, sink := range r.sinks {
		sink := sink
		r.bus.SubscribeAll(func(e model.AuditEvent) { sink.HandleEvent(e) })
	}
}

func (r *Runtime) watchLoop() {
	defer r.wg.Done()
	const syntheticAgent = "*"
	for fe := range r.watcher.Events() {
		if fe.IsDirectory {
			continue
		}
		if _, err := r.auditLog.Log(fe.Type, "filesystem change", "", fe.OldPath, []string{fe.Path}, ""); err != nil {
			r.log.Warn().Err(err).Str("path", fe.Path).Msg("failed to log watcher event")
		}

		allowed, reason := r.boundary.CheckPathAllowed(fe.Path, syntheticAgent)
		if !allowed {
			vType := boundary.ClassifyViolation(reason)
			if _, err := r.boundary.RecordViolation(context.Background(), r.session.ID, "", fe.Path, vType, model.ActionLogged, reason); err != nil {
				r.log.Warn().Err(err).Str("path", fe.Path).Msg("failed to record boundary violation")
			}
		}
	}
}

// Stop logs session completion, releases every lock held by this session,
// stops the watcher and audit logger, drains the event bus, closes the
// store, and removes the liveness marker. Stop is safe to call more than
// once; only the first call has effect.
func (r *Runtime) Stop(ctx context.Context) error {
	var stopErr error
	r.stopOnce.Do(func() {
		stopErr = r.stop(ctx)
	})
	return stopErr
}

func (r *Runtime) stop(ctx context.Context) error {
	if _, err := r.auditLog.Log(model.EventSessionComplete, "session completed", "", "", nil, ""); err != nil {
		r.log.Warn().Err(err).Msg("failed to log session completion")
	}
	if err := r.state.MarkSessionCompleted(ctx, r.session.ID); err != nil {
		r.log.Warn().Err(err).Msg("failed to mark session completed")
	}

	if err := r.watcher.Stop(); err != nil {
		r.log.Warn().Err(err).Msg("watcher stop failed")
	}
	r.wg.Wait()

	if err := r.locks.ReleaseAll(ctx); err != nil {
		r.log.Warn().Err(err).Msg("failed to release session locks on shutdown")
	}

	var flushErr error
	if err := r.auditLog.Stop(ctx); err != nil {
		flushErr = fmt.Errorf("stop runtime: %w", err)
	}

	r.bus.Stop()

	if err := r.store.Close(); err != nil {
		return fmt.Errorf("stop runtime: close store: %w", err)
	}
	if err := removeLiveness(r.livenessPath()); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}
	return flushErr
}

// Run starts the runtime, then blocks until ctx is canceled or the process
// receives SIGINT/SIGTERM, at which point it stops the runtime gracefully.
func (r *Runtime) Run(ctx context.Context, objective, parentSessionID string) error {
	if _, err := r.Start(ctx, objective, parentSessionID); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}
	return r.Stop(context.Background())
}
