// Package execution starts task runs on a worker pool and keeps their bookkeeping in SQLite.
package execution

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"recurflow/internal/domain"
)

var (
	ErrAccessDenied = errors.New("execution belongs to another user")
	ErrStillRunning = errors.New("execution is still running")
	ErrNoHandler    = errors.New("no handler for task")
)

// Handler runs one task definition to completion.
type Handler interface {
	Handle(ctx context.Context, def domain.TaskDefinition) error
}

// OpenDB opens the SQLite file at path and makes sure the schema exists.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type Service struct {
	repo     *Repository
	pool     *Pool
	handlers map[string]Handler
	log      zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string][]func() // keyed by running execution id
}

func NewService(repo *Repository, handlers map[string]Handler, workers int, log zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		pool:      NewPool(workers),
		handlers:  handlers,
		log:       log.With().Str("component", "execution").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		listeners: map[string][]func(){},
	}
}

// RecoverStale fails executions left running by a previous process.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	n, err := s.repo.RecoverStale(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn().Int("recovered", n).Msg("marked stale executions as failed")
	}
	return n, nil
}

// Start records a running execution of def and queues it. The returned id is valid as soon
// as Start returns.
func (s *Service) Start(ctx context.Context, def domain.TaskDefinition, user domain.User) (string, error) {
	h, ok := s.handlers[def.Handler]
	if !ok {
		return "", errors.Wrapf(ErrNoHandler, "%s (%s)", def.Name, def.Handler)
	}

	e := domain.Execution{
		ID:        "exe_" + uuid.NewString(),
		TaskName:  def.Name,
		OwnerID:   user.ID,
		State:     domain.StateRunning,
		StartedAt: s.now(),
	}
	if err := s.repo.Insert(ctx, e, def.Handler); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.listeners[e.ID] = nil
	s.mu.Unlock()

	if err := s.pool.Submit(func() { s.run(e.ID, h, def) }); err != nil {
		s.finish(e.ID, err)
		return "", err
	}
	s.log.Debug().Str("execution", e.ID).Str("task", def.Name).Msg("execution queued")
	return e.ID, nil
}

func (s *Service) run(id string, h Handler, def domain.TaskDefinition) {
	ctx := s.ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	err := h.Handle(ctx, def)
	if err != nil {
		s.log.Warn().Err(err).Str("execution", id).Str("task", def.Name).Msg("execution failed")
	}
	s.finish(id, err)
}

func (s *Service) finish(id string, runErr error) {
	state, msg := domain.StateSucceeded, ""
	if runErr != nil {
		state, msg = domain.StateFailed, runErr.Error()
	}
	if err := s.repo.Finish(context.Background(), id, state, msg, s.now()); err != nil {
		s.log.Error().Err(err).Str("execution", id).Msg("cannot record execution result")
	}

	s.mu.Lock()
	fns := s.listeners[id]
	delete(s.listeners, id)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnCompletion calls fn once the execution finishes, or right away when it is not running.
func (s *Service) OnCompletion(id string, fn func()) {
	s.mu.Lock()
	fns, running := s.listeners[id]
	if running {
		s.listeners[id] = append(fns, fn)
	}
	s.mu.Unlock()
	if !running {
		fn()
	}
}

func (s *Service) ListRunning(ctx context.Context) ([]string, error) {
	return s.repo.ListRunning(ctx)
}

func (s *Service) Get(ctx context.Context, id string, user domain.User) (domain.Execution, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}
	if e.OwnerID != user.ID {
		return domain.Execution{}, errors.Wrapf(ErrAccessDenied, "%s", id)
	}
	return e, nil
}

// TaskName returns the task an execution runs, whoever owns it.
func (s *Service) TaskName(ctx context.Context, id string) (string, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.TaskName, nil
}

// Discard deletes the record of a finished execution.
func (s *Service) Discard(ctx context.Context, id string, user domain.User) error {
	e, err := s.Get(ctx, id, user)
	if err != nil {
		return err
	}
	if e.State == domain.StateRunning {
		return errors.Wrapf(ErrStillRunning, "%s", id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Debug().Str("execution", id).Msg("execution discarded")
	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.Execution, error) {
	return s.repo.ListRecent(ctx, limit)
}

// Close stops accepting executions and waits for in-flight ones. Runs still going when ctx
// expires are cancelled.
func (s *Service) Close(ctx context.Context) error {
	err := s.pool.Close(ctx)
	s.cancel()
	return err
}
