package domain

import (
	"encoding/json"
	"time"

	"recurflow/internal/schedule"
)

// Audit name sources, most trusted first.
const (
	AuditAuthUsername    = "auth_username"
	AuditProxiedUsername = "proxied_username"
	AuditHostname        = "hostname"
	AuditIP              = "ip"
)

// User is the principal a job runs as.
type User struct {
	ID         string            `json:"user_id"`
	Groups     []string          `json:"groups,omitempty"`
	AuditNames map[string]string `json:"audit_names,omitempty"`
}

// AuditName returns a display name that is safe to put in logs and file names.
func (u User) AuditName() string {
	for _, key := range []string{AuditAuthUsername, AuditProxiedUsername, AuditHostname, AuditIP} {
		if v := u.AuditNames[key]; v != "" {
			return v
		}
	}
	return u.ID
}

// Job is the durable record of one scheduled task.
type Job struct {
	ID              string         `json:"id"`
	User            User           `json:"user"`
	Schedule        *schedule.Rule `json:"schedule"`
	TaskName        string         `json:"script_name"`
	ParameterValues map[string]any `json:"parameter_values"`
	ExecutionLimit  int            `json:"execution_limit"`
}

func (j *Job) LogName() string {
	return "Job#" + j.ID + "-" + j.TaskName
}

// Clone copies the job deep enough that the copy's schedule can be mutated independently.
func (j *Job) Clone() *Job {
	c := *j
	if j.Schedule != nil {
		c.Schedule = j.Schedule.Clone()
	}
	c.ParameterValues = make(map[string]any, len(j.ParameterValues))
	for k, v := range j.ParameterValues {
		c.ParameterValues[k] = v
	}
	return &c
}

func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	aux := struct {
		*plain
		ExecutionLimit *int `json:"execution_limit"`
	}{plain: (*plain)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.ExecutionLimit = 1
	if aux.ExecutionLimit != nil {
		j.ExecutionLimit = *aux.ExecutionLimit
	}
	return nil
}

// ResolvedParameter is one parameter of a task definition after user values were applied.
type ResolvedParameter struct {
	Name      string
	Secure    bool
	Default   any
	UserValue any // nil when the caller did not supply a value
	Value     any // UserValue, or Default when absent
}

// TaskDefinition is a runnable task after validation against its definition file.
type TaskDefinition struct {
	Name                  string
	Handler               string
	Command               []string
	URL                   string
	Method                string
	Headers               map[string]string
	Timeout               time.Duration
	Schedulable           bool
	SchedulingAutoCleanup bool
	Parameters            []ResolvedParameter
}

// Values returns the effective parameter values keyed by name.
func (d TaskDefinition) Values() map[string]any {
	out := make(map[string]any, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Value != nil {
			out[p.Name] = p.Value
		}
	}
	return out
}

// Execution states.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Execution is one run of a task definition.
type Execution struct {
	ID         string     `json:"id"`
	TaskName   string     `json:"task_name"`
	OwnerID    string     `json:"owner_id"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
