package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurflow/internal/domain"
)

// gateHandler blocks until released and then returns err.
type gateHandler struct {
	release chan struct{}
	err     error
}

func (h *gateHandler) Handle(ctx context.Context, _ domain.TaskDefinition) error {
	select {
	case <-h.release:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newService(t *testing.T, handlers map[string]Handler) (*Service, *Repository) {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "executions.db"))
	require.NoError(t, err)
	repo := NewRepository(db)
	svc := NewService(repo, handlers, 2, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		_ = db.Close()
	})
	return svc, repo
}

var owner = domain.User{ID: "alice"}

func waitDone(t *testing.T, svc *Service, id string) {
	t.Helper()
	done := make(chan struct{})
	svc.OnCompletion(id, func() { close(done) })
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("execution %s did not finish", id)
	}
}

func TestStart_RunsAndCompletes(t *testing.T) {
	t.Parallel()
	h := &gateHandler{release: make(chan struct{})}
	svc, _ := newService(t, map[string]Handler{"shell": h})
	ctx := context.Background()

	id, err := svc.Start(ctx, domain.TaskDefinition{Name: "backup", Handler: "shell"}, owner)
	require.NoError(t, err)
	assert.Contains(t, id, "exe_")

	running, err := svc.ListRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, running)

	name, err := svc.TaskName(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "backup", name)

	close(h.release)
	waitDone(t, svc, id)

	e, err := svc.Get(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, e.State)
	require.NotNil(t, e.FinishedAt)

	running, err = svc.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStart_FailureIsRecorded(t *testing.T) {
	t.Parallel()
	h := &gateHandler{release: make(chan struct{}), err: errors.New("exit status 2")}
	close(h.release)
	svc, _ := newService(t, map[string]Handler{"shell": h})

	id, err := svc.Start(context.Background(), domain.TaskDefinition{Name: "backup", Handler: "shell"}, owner)
	require.NoError(t, err)
	waitDone(t, svc, id)

	e, err := svc.Get(context.Background(), id, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, e.State)
	assert.Equal(t, "exit status 2", e.Error)
}

func TestStart_TimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, map[string]Handler{"shell": &gateHandler{release: make(chan struct{})}})

	id, err := svc.Start(context.Background(), domain.TaskDefinition{Name: "slow", Handler: "shell", Timeout: 50 * time.Millisecond}, owner)
	require.NoError(t, err)
	waitDone(t, svc, id)

	e, err := svc.Get(context.Background(), id, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, e.State)
	assert.Contains(t, e.Error, "deadline exceeded")
}

func TestStart_UnknownHandler(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, map[string]Handler{})
	_, err := svc.Start(context.Background(), domain.TaskDefinition{Name: "x", Handler: "ftp"}, owner)
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestOwnerChecks(t *testing.T) {
	t.Parallel()
	h := &gateHandler{release: make(chan struct{})}
	svc, _ := newService(t, map[string]Handler{"shell": h})
	ctx := context.Background()

	id, err := svc.Start(ctx, domain.TaskDefinition{Name: "backup", Handler: "shell"}, owner)
	require.NoError(t, err)

	_, err = svc.Get(ctx, id, domain.User{ID: "mallory"})
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.True(t, errors.Is(svc.Discard(ctx, id, domain.User{ID: "mallory"}), ErrAccessDenied))

	name, err := svc.TaskName(ctx, id)
	require.NoError(t, err, "task lookups ignore the owner")
	assert.Equal(t, "backup", name)
	_, err = svc.TaskName(ctx, "exe_missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	close(h.release)
	waitDone(t, svc, id)
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	h := &gateHandler{release: make(chan struct{})}
	svc, _ := newService(t, map[string]Handler{"shell": h})
	ctx := context.Background()

	id, err := svc.Start(ctx, domain.TaskDefinition{Name: "backup", Handler: "shell"}, owner)
	require.NoError(t, err)
	assert.True(t, errors.Is(svc.Discard(ctx, id, owner), ErrStillRunning))

	close(h.release)
	waitDone(t, svc, id)
	require.NoError(t, svc.Discard(ctx, id, owner))

	_, err = svc.Get(ctx, id, owner)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOnCompletion_AfterFinishRunsImmediately(t *testing.T) {
	t.Parallel()
	h := &gateHandler{release: make(chan struct{})}
	close(h.release)
	svc, _ := newService(t, map[string]Handler{"shell": h})

	id, err := svc.Start(context.Background(), domain.TaskDefinition{Name: "backup", Handler: "shell"}, owner)
	require.NoError(t, err)
	waitDone(t, svc, id)

	called := false
	svc.OnCompletion(id, func() { called = true })
	assert.True(t, called)
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	svc, repo := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, domain.Execution{
		ID: "exe_old", TaskName: "backup", OwnerID: "alice", StartedAt: time.Now().Add(-time.Hour),
	}, "shell"))

	n, err := svc.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := repo.Get(ctx, "exe_old")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, e.State)
	assert.Equal(t, "interrupted by restart", e.Error)

	list, err := svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
