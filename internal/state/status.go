package state

import (
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle status of a job or multijob. Numeric values
// travel in install_in_process answers and in persisted job states.
type TaskStatus int

const (
	StatusInstallation TaskStatus = 0
	StatusQueued       TaskStatus = 1
	StatusRunning      TaskStatus = 2
	StatusStopping     TaskStatus = 3
	StatusReady        TaskStatus = 4
	StatusNone         TaskStatus = 5
	StatusPausing      TaskStatus = 6
	StatusPaused       TaskStatus = 7
	StatusResuming     TaskStatus = 8
	StatusStopped      TaskStatus = 9
	StatusFinished     TaskStatus = 10
	StatusInterrupted  TaskStatus = 11
	StatusError        TaskStatus = 12
	StatusDeleting     TaskStatus = 13
)

var statusNames = map[TaskStatus]string{
	StatusInstallation: "installation",
	StatusQueued:       "queued",
	StatusRunning:      "running",
	StatusStopping:     "stopping",
	StatusReady:        "ready",
	StatusNone:         "none",
	StatusPausing:      "pausing",
	StatusPaused:       "paused",
	StatusResuming:     "resuming",
	StatusStopped:      "stopped",
	StatusFinished:     "finished",
	StatusInterrupted:  "interrupted",
	StatusError:        "error",
	StatusDeleting:     "deleting",
}

var statusDisplayNames = map[TaskStatus]string{
	StatusInstallation: "Installation",
	StatusQueued:       "Queued",
	StatusRunning:      "Running",
	StatusStopping:     "Stopping",
	StatusReady:        "Ready",
	StatusNone:         "New",
	StatusPausing:      "Pausing",
	StatusPaused:       "Paused",
	StatusResuming:     "Resuming",
	StatusStopped:      "Stopped",
	StatusFinished:     "Finished",
	StatusInterrupted:  "No response",
	StatusError:        "Error",
	StatusDeleting:     "Deleting",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// DisplayName is the operator-facing label of s.
func (s TaskStatus) DisplayName() string {
	if name, ok := statusDisplayNames[s]; ok {
		return name
	}
	return s.String()
}

func (s TaskStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether run time accounting stops in s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusReady, StatusStopped, StatusFinished, StatusError:
		return true
	default:
		return false
	}
}

func ParseTaskStatus(name string) (TaskStatus, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusNone, fmt.Errorf("state: unknown task status %q", name)
}

// JobAction is an operator action on a multijob.
type JobAction int

const (
	ActionDeleteRemote JobAction = 0
	ActionDelete       JobAction = 1
	ActionReuse        JobAction = 2
	ActionStop         JobAction = 3
	ActionTerminate    JobAction = 4
	ActionResume       JobAction = 6
)

var jobActionNames = map[JobAction]string{
	ActionDeleteRemote: "delete_remote",
	ActionDelete:       "delete",
	ActionReuse:        "reuse",
	ActionStop:         "stop",
	ActionTerminate:    "terminate",
	ActionResume:       "resume",
}

// jobActionOrder lists actions in display order.
var jobActionOrder = []JobAction{ActionResume, ActionStop, ActionTerminate, ActionReuse, ActionDelete, ActionDeleteRemote}

func (a JobAction) String() string {
	if name, ok := jobActionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type statusAction struct {
	status TaskStatus
	action JobAction
}

var permittedActions = map[statusAction]struct{}{
	{StatusError, ActionDeleteRemote}:    {},
	{StatusError, ActionDelete}:          {},
	{StatusFinished, ActionDeleteRemote}: {},
	{StatusFinished, ActionDelete}:       {},
	{StatusInstallation, ActionResume}:   {},
	{StatusInstallation, ActionStop}:     {},
	{StatusNone, ActionDelete}:           {},
	{StatusQueued, ActionResume}:         {},
	{StatusQueued, ActionStop}:           {},
	{StatusRunning, ActionResume}:        {},
	{StatusRunning, ActionStop}:          {},
	{StatusStopped, ActionDelete}:        {},
	{StatusStopped, ActionDeleteRemote}:  {},
}

// Permitted reports whether an operator may apply action in status s.
func (s TaskStatus) Permitted(action JobAction) bool {
	_, ok := permittedActions[statusAction{s, action}]
	return ok
}

// PermittedActions lists the actions permitted in s.
func (s TaskStatus) PermittedActions() []JobAction {
	var out []JobAction
	for _, a := range jobActionOrder {
		if s.Permitted(a) {
			out = append(out, a)
		}
	}
	return out
}

var startupActions = map[TaskStatus]JobAction{
	StatusInstallation: ActionTerminate,
	StatusInterrupted:  ActionResume,
	StatusPaused:       ActionResume,
	StatusPausing:      ActionResume,
	StatusQueued:       ActionTerminate,
	StatusResuming:     ActionResume,
	StatusRunning:      ActionResume,
	StatusStopping:     ActionTerminate,
}

// StartupAction is what an orchestrator does with a job found in status s
// when it starts. ok is false when nothing needs to happen.
func (s TaskStatus) StartupAction() (JobAction, bool) {
	a, ok := startupActions[s]
	return a, ok
}
