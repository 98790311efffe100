package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/jobrelay/internal/tools"
)

var ErrInvalidName = errors.New("status: invalid status name")

// OutputState is the saved link state of a hop's output transport, enough to
// re-link to a running next hop without resubmitting it.
type OutputState struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Initialized bool   `json:"initialized"`
	BatchJobID  string `json:"batch_job_id,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

// CommunicatorStatus is the durable lifecycle record of one hop for one job.
type CommunicatorStatus struct {
	NextInstalled bool         `json:"next_installed"`
	Interupted    bool         `json:"interupted"`
	NextStarted   bool         `json:"next_started"`
	Output        *OutputState `json:"output,omitempty"`
}

// Store persists CommunicatorStatus records as <dir>/<name>.json.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load returns the record for name. A missing file is an all-false record.
func (s *Store) Load(name string) (CommunicatorStatus, error) {
	if err := validateName(name); err != nil {
		return CommunicatorStatus{}, err
	}
	raw, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return CommunicatorStatus{}, nil
	}
	if err != nil {
		return CommunicatorStatus{}, fmt.Errorf("load status %q: %w", name, err)
	}
	var st CommunicatorStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return CommunicatorStatus{}, fmt.Errorf("decode status %q: %w", name, err)
	}
	return st, nil
}

// Save flushes st to disk before returning.
func (s *Store) Save(name string, st CommunicatorStatus) error {
	if err := validateName(name); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("encode status %q: %w", name, err)
	}
	if err := tools.WriteFileAtomic(s.Path(name), raw, 0o644); err != nil {
		return fmt.Errorf("save status %q: %w", name, err)
	}
	return nil
}

// Delete removes the record. Removing a missing record is not an error.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete status %q: %w", name, err)
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
