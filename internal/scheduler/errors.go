package scheduler

import (
	"github.com/cockroachdb/errors"

	"recurflow/internal/schedule"
)

// Errors returned synchronously by CreateJob. None of them is retried.
var (
	ErrMissingOwner      = errors.New("owner is missing")
	ErrUnschedulableTask = errors.New("task is not schedulable")
	ErrSecureParameter   = errors.New("task has secure parameters, this is not supported")
	ErrInvalidRecurrence = schedule.ErrInvalidRecurrence
	ErrNotStarted        = errors.New("scheduler not started")
)

const (
	minExecutionLimit = 1
	maxExecutionLimit = 49
)
