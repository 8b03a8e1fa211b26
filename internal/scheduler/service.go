package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"recurflow/internal/domain"
	"recurflow/internal/idgen"
	"recurflow/internal/metrics"
	"recurflow/internal/schedule"
)

// Service owns every job chain of the process: it creates jobs, arms their next occurrence,
// dispatches due occurrences and re-arms after each one.
type Service struct {
	store    Store
	resolver TaskResolver
	exec     Executor
	timer    Timer
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	ctx context.Context
	ids *idgen.Allocator

	mu   sync.Mutex
	jobs map[string]*entry
}

// entry tracks one job chain. job.Schedule.ExecutionsCount is only written by the chain's
// own dispatch, under mu.
type entry struct {
	job      *domain.Job
	location string
	state    State
	reason   string
	next     time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, resolver TaskResolver, exec Executor, timer Timer, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		exec:     exec,
		timer:    timer,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		ctx:      context.Background(),
		jobs:     map[string]*entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads every stored job, seeds the id allocator and puts each job back on its chain.
// Jobs flagged autorun are dispatched right away instead of waiting for their next time.
func (s *Service) Start(ctx context.Context) error {
	s.ctx = context.WithoutCancel(ctx)

	res, err := s.store.LoadAll()
	if err != nil {
		return errors.Wrap(err, "restore jobs")
	}
	for _, f := range res.Failures {
		s.log.Error().Err(f.Err).Str("file", f.Location).Msg("failed to parse schedule file")
		s.metrics.LoadFailed()
	}

	s.mu.Lock()
	s.ids = idgen.New(res.IDs)
	entries := make([]*entry, 0, len(res.Locations))
	for _, loc := range res.Locations {
		e := &entry{job: res.Jobs[loc], location: loc, state: StatePendingFirstArm}
		s.jobs[e.job.ID] = e
		entries = append(entries, e)
	}
	s.mu.Unlock()

	s.log.Info().Int("jobs", len(entries)).Int("corrupt", len(res.Failures)).Msg("schedule service started")

	for _, e := range entries {
		if e.job.Schedule.Autorun {
			s.log.Info().Str("job", e.job.LogName()).Msg("autorun enabled, executing immediately")
			s.fire(e)
			continue
		}
		s.armNext(e)
	}
	return nil
}

// Stop cancels every future occurrence. Executions already dispatched keep running.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info().Msg("shutting down scheduler")
	return s.timer.Stop(ctx)
}

// CreateJob validates the request, persists a new job and arms its first occurrence.
func (s *Service) CreateJob(ctx context.Context, req Request) (string, error) {
	if req.User == nil || req.User.ID == "" {
		return "", errors.WithStack(ErrMissingOwner)
	}
	user := *req.User

	def, err := s.resolver.Resolve(ctx, req.TaskName, user, req.ParameterValues)
	if err != nil {
		return "", errors.Wrapf(err, "load task %s", req.TaskName)
	}
	if err := validateDefinition(def); err != nil {
		return "", err
	}

	limit, err := parseExecutionLimit(req.Schedule)
	if err != nil {
		return "", err
	}
	rule, err := schedule.Parse(req.Schedule)
	if err != nil {
		return "", err
	}
	if err := s.validateRule(rule, limit); err != nil {
		return "", err
	}

	s.mu.Lock()
	ids := s.ids
	s.mu.Unlock()
	if ids == nil {
		return "", errors.WithStack(ErrNotStarted)
	}

	values := map[string]any{}
	for _, p := range def.Parameters {
		if p.UserValue != nil {
			values[p.Name] = p.UserValue
		}
	}
	job := &domain.Job{
		ID:              ids.Next(),
		User:            user,
		Schedule:        rule,
		TaskName:        req.TaskName,
		ParameterValues: values,
		ExecutionLimit:  limit,
	}

	location, err := s.store.Save(job)
	if err != nil {
		return "", errors.Wrapf(err, "save %s", job.LogName())
	}

	e := &entry{job: job, location: location, state: StatePendingFirstArm}
	s.mu.Lock()
	s.jobs[job.ID] = e
	s.mu.Unlock()
	s.metrics.JobCreated()

	s.armNext(e)
	return job.ID, nil
}

func (s *Service) validateRule(rule *schedule.Rule, limit int) error {
	if !rule.Repeatable && rule.StartTime.Before(s.now()) {
		return errors.Wrap(ErrInvalidRecurrence, "start date should be in the future")
	}
	if rule.EndOption == schedule.EndDatetime && rule.StartTime.After(rule.EndTime) {
		return errors.Wrap(ErrInvalidRecurrence, "end date should be after start date")
	}
	if rule.EndOption == schedule.EndMaxExecutions && rule.MaxExecutions <= 0 {
		return errors.Wrap(ErrInvalidRecurrence, "count should be greater than 0")
	}
	if limit < minExecutionLimit || limit > maxExecutionLimit {
		return errors.Wrapf(ErrInvalidRecurrence, "execution limit must be an integer between %d and %d", minExecutionLimit, maxExecutionLimit)
	}
	return nil
}

func validateDefinition(def domain.TaskDefinition) error {
	if !def.Schedulable {
		return errors.Wrapf(ErrUnschedulableTask, "%s", def.Name)
	}
	for _, p := range def.Parameters {
		if p.Secure {
			return errors.Wrapf(ErrSecureParameter, "%s (%s)", def.Name, p.Name)
		}
	}
	return nil
}

// parseExecutionLimit reads execution_limit from the schedule payload, defaulting to 1.
func parseExecutionLimit(raw json.RawMessage) (int, error) {
	var probe struct {
		ExecutionLimit json.RawMessage `json:"execution_limit"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "decode schedule"), ErrInvalidRecurrence)
	}
	if len(probe.ExecutionLimit) == 0 || bytes.Equal(probe.ExecutionLimit, []byte("null")) {
		return 1, nil
	}
	var limit int
	if err := json.Unmarshal(probe.ExecutionLimit, &limit); err != nil {
		return 0, errors.Wrapf(ErrInvalidRecurrence, "execution limit must be an integer, got %s", probe.ExecutionLimit)
	}
	return limit, nil
}

// armNext decides whether the job has another occurrence and, if so, arms the timer for it.
// Every rejection ends the chain: nothing is armed and no error is raised.
func (s *Service) armNext(e *entry) {
	job := e.job
	rule := job.Schedule
	log := s.log.With().Str("job", job.LogName()).Logger()
	now := s.now()

	if !rule.Repeatable && rule.StartTime.Before(now) {
		s.terminate(e, "start time passed")
		return
	}
	if rule.EndOption == schedule.EndMaxExecutions && rule.ExecutionsCount >= rule.MaxExecutions {
		s.terminate(e, "max executions reached")
		return
	}
	next := rule.Next(now)
	if next.IsZero() {
		s.terminate(e, "no further occurrences")
		return
	}
	if rule.EndOption == schedule.EndDatetime && next.After(rule.EndTime) {
		s.terminate(e, "end time reached")
		return
	}

	// A job stopped by its execution limit is never re-armed.
	if s.limitReached(job) {
		s.setState(e, StateSkippedDueToLimit, "execution limit reached", time.Time{})
		s.metrics.Skipped("execution_limit")
		return
	}

	log.Info().Time("at", next).Msg("scheduling")
	s.setState(e, StateArmed, "", next)
	if !s.timer.Arm(next, func() { s.fire(e) }) {
		s.terminate(e, "scheduler stopped")
	}
}

// limitReached reports whether job.ExecutionLimit instances of the job's task are already
// running, across all jobs and ad-hoc runs.
func (s *Service) limitReached(job *domain.Job) bool {
	if job.ExecutionLimit <= 0 {
		return false
	}
	running, err := s.exec.ListRunning(s.ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("job", job.LogName()).Msg("cannot list running executions, skipping limit check")
		return false
	}
	count := 0
	for _, id := range running {
		name, err := s.exec.TaskName(s.ctx, id)
		if err != nil {
			s.log.Debug().Err(err).Str("execution", id).Msg("cannot resolve execution task")
			continue
		}
		if name != job.TaskName {
			continue
		}
		count++
		if count >= job.ExecutionLimit {
			s.log.Info().
				Int("limit", job.ExecutionLimit).
				Str("task", job.TaskName).
				Msgf("execution limit (%d) for %s has been reached, a new %s won't be scheduled", job.ExecutionLimit, job.TaskName, job.TaskName)
			return true
		}
	}
	return false
}

// fire runs one due occurrence and then moves the chain on. Failures are logged and never
// stop the chain; only a missing record does.
func (s *Service) fire(e *entry) {
	log := s.log.With().Str("job", e.job.LogName()).Logger()
	log.Info().Msg("executing")

	if !s.store.Exists(e.location) {
		log.Info().Str("file", e.location).Msg("job was removed, skipping execution")
		s.terminate(e, "record removed")
		return
	}

	s.setState(e, StateDispatching, "", time.Time{})
	if err := s.dispatch(e); err != nil {
		log.Error().Err(err).Msg("failed to execute")
		s.metrics.DispatchFailed()
	}
	// A one-shot job that reached its start time is done. An autorun of a future one-shot
	// still waits for the start time.
	if rule := e.job.Schedule; !rule.Repeatable && !s.now().Before(rule.StartTime) {
		s.terminate(e, "completed")
		return
	}
	s.armNext(e)
}

func (s *Service) dispatch(e *entry) error {
	job := e.job
	def, err := s.resolver.Resolve(s.ctx, job.TaskName, job.User, job.ParameterValues)
	if err != nil {
		return errors.Wrapf(err, "load task %s", job.TaskName)
	}
	if err := validateDefinition(def); err != nil {
		return err
	}

	executionID, err := s.exec.Start(s.ctx, def, job.User)
	if err != nil {
		return errors.Wrap(err, "start execution")
	}
	s.metrics.Dispatched()
	s.log.Info().Str("job", job.LogName()).Str("execution", executionID).Msg("started execution")

	if def.SchedulingAutoCleanup {
		user := job.User
		s.exec.OnCompletion(executionID, func() {
			if err := s.exec.Discard(s.ctx, executionID, user); err != nil {
				s.log.Warn().Err(err).Str("execution", executionID).Msg("cleanup failed")
			}
		})
	}

	if !job.Schedule.Repeatable {
		return nil
	}
	s.mu.Lock()
	job.Schedule.ExecutionsCount++
	snapshot := job.Clone()
	s.mu.Unlock()
	// The record may be deleted while the run starts. Writing it back would revive the job.
	if !s.store.Exists(e.location) {
		s.log.Info().Str("job", job.LogName()).Str("file", e.location).Msg("job was removed, not persisting execution count")
		return nil
	}
	if err := s.store.Write(e.location, snapshot); err != nil {
		return errors.Wrapf(err, "persist %s", job.LogName())
	}
	return nil
}

func (s *Service) terminate(e *entry, reason string) {
	s.log.Debug().Str("job", e.job.LogName()).Str("reason", reason).Msg("chain terminated")
	s.setState(e, StateTerminated, reason, time.Time{})
	s.metrics.Terminated(reason)
}

func (s *Service) setState(e *entry, st State, reason string, next time.Time) {
	s.mu.Lock()
	prev := e.state
	e.state, e.reason, e.next = st, reason, next
	s.mu.Unlock()

	switch {
	case prev != StateArmed && st == StateArmed:
		s.metrics.ArmedDelta(1)
	case prev == StateArmed && st != StateArmed:
		s.metrics.ArmedDelta(-1)
	}
}

// Jobs returns a snapshot of every known job ordered by id.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := JobInfo{
			ID:              e.job.ID,
			TaskName:        e.job.TaskName,
			Owner:           e.job.User.AuditName(),
			OwnerID:         e.job.User.ID,
			State:           e.state,
			Reason:          e.reason,
			Repeatable:      e.job.Schedule.Repeatable,
			ExecutionsCount: e.job.Schedule.ExecutionsCount,
			ExecutionLimit:  e.job.ExecutionLimit,
			Location:        e.location,
		}
		if !e.next.IsZero() {
			next := e.next
			info.NextRun = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

// Job returns the snapshot of a single job.
func (s *Service) Job(id string) (JobInfo, bool) {
	for _, info := range s.Jobs() {
		if info.ID == id {
			return info, true
		}
	}
	return JobInfo{}, false
}

// lessID orders numeric ids numerically and falls back to string order.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
