package execution

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cochaviz/testbed/internal/plan"
)

var (
	// ErrExecutionFailure marks a command that exited non-zero.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrAborted is returned when a failed blocking role stops the run.
	ErrAborted = errors.New("run aborted")
)

// ExecutionFailure describes the command that failed a container.
type ExecutionFailure struct {
	Role        string
	ContainerID int
	Phase       plan.Phase
	ExitCode    int
	Command     string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("role %q container %d: %s command exited with status %d", e.Role, e.ContainerID, e.Phase, e.ExitCode)
}

func (e *ExecutionFailure) Unwrap() error {
	return ErrExecutionFailure
}

// State is the terminal state of a container's command sequence.
type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateRunning means the main command was still in flight when the run
	// was cancelled.
	StateRunning State = "running"
	// StateAborted means the run was cancelled before the container started.
	StateAborted State = "aborted"
	// StateSkipped means an earlier blocking role failed before the container
	// started.
	StateSkipped State = "skipped"
)

// Result is the outcome of one container's commands.
type Result struct {
	ContainerID  int           `json:"container_id"`
	Container    string        `json:"container"`
	Role         string        `json:"role"`
	State        State         `json:"state"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	LogPath      string        `json:"log_path,omitempty"`
	PostFailures int           `json:"post_failures,omitempty"`
	Err          error         `json:"-"`
}

// Error returns the failure text for reports.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// LeftRunning lists the containers whose commands were still in flight.
func LeftRunning(results map[int]Result) []int {
	var ids []int
	for id, r := range results {
		if r.State == StateRunning {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Failed lists the containers that failed.
func Failed(results map[int]Result) []int {
	var ids []int
	for id, r := range results {
		if r.State == StateFailed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
