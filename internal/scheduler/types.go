package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"recurflow/internal/domain"
	"recurflow/internal/jobstore"
)

// TaskResolver turns a task name and caller-supplied values into a runnable definition.
type TaskResolver interface {
	Resolve(ctx context.Context, name string, user domain.User, values map[string]any) (domain.TaskDefinition, error)
}

// Executor runs task instances and reports on them.
type Executor interface {
	Start(ctx context.Context, def domain.TaskDefinition, user domain.User) (string, error)
	ListRunning(ctx context.Context) ([]string, error)
	TaskName(ctx context.Context, executionID string) (string, error)
	OnCompletion(executionID string, fn func())
	Discard(ctx context.Context, executionID string, user domain.User) error
}

// Timer arms one-shot callbacks at absolute times.
type Timer interface {
	Arm(at time.Time, fn func()) bool
	Stop(ctx context.Context) error
}

// Store persists job records.
type Store interface {
	Save(job *domain.Job) (string, error)
	Write(location string, job *domain.Job) error
	Exists(location string) bool
	LoadAll() (jobstore.LoadResult, error)
}

// State is where a job sits in its chain.
type State string

const (
	StatePendingFirstArm   State = "pending_first_arm"
	StateArmed             State = "armed"
	StateDispatching       State = "dispatching"
	StateTerminated        State = "terminated"
	StateSkippedDueToLimit State = "skipped_due_to_limit"
)

// Request is the input of CreateJob. Schedule holds the structured recurrence rule and may
// also carry execution_limit.
type Request struct {
	TaskName        string
	ParameterValues map[string]any
	Schedule        json.RawMessage
	User            *domain.User
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	ID              string     `json:"id"`
	TaskName        string     `json:"task_name"`
	Owner           string     `json:"owner"`
	OwnerID         string     `json:"-"`
	State           State      `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	Repeatable      bool       `json:"repeatable"`
	ExecutionsCount int        `json:"executions_count"`
	ExecutionLimit  int        `json:"execution_limit"`
	Location        string     `json:"-"`
}
