package protocol

import "github.com/danmuck/jobrelay/internal/state"

// Error severities carried by ErrorData. Higher is worse; a fatal error
// means the chain behind the sender cannot be recovered.
const (
	SeverityNone  = 0
	SeverityError = 3
	SeverityFatal = 5
)

type ErrorData struct {
	Msg      string `json:"msg"`
	Severity int    `json:"severity"`
}

// InstallData is the body of install_in_process answers.
type InstallData struct {
	Phase state.TaskStatus `json:"phase"`
}

type JobData struct {
	ID string `json:"id"`
}

// JobConnData carries the endpoint of a freshly started job hop.
type JobConnData struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type JobStateData struct {
	Ready      bool `json:"ready"`
	ReturnCode *int `json:"return_code,omitempty"`
}

type StartCountsData struct {
	KnownJobs     int `json:"known_jobs"`
	EstimatedJobs int `json:"estimated_jobs"`
}

type StateData struct {
	State state.MJState `json:"state"`
}
