package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danmuck/jobrelay/internal/tools"
)

const jobsStateFile = "jobs_states.json"

// JobsStore keeps job records of one multijob and persists them under
// <result dir>/state/jobs_states.json.
type JobsStore struct {
	mu   sync.RWMutex
	path string
	jobs map[string]JobState
}

func NewJobsStore(resultDir string) *JobsStore {
	return &JobsStore{
		path: filepath.Join(resultDir, "state", jobsStateFile),
		jobs: make(map[string]JobState),
	}
}

func (s *JobsStore) Path() string {
	return s.path
}

func (s *JobsStore) Upsert(job JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
}

func (s *JobsStore) Get(name string) (JobState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[name]
	return job, ok
}

// List returns jobs ordered by name.
func (s *JobsStore) List() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *JobsStore) Save() error {
	raw, err := json.MarshalIndent(s.List(), "", "    ")
	if err != nil {
		return fmt.Errorf("encode jobs state: %w", err)
	}
	if err := tools.WriteFileAtomic(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("save jobs state: %w", err)
	}
	return nil
}

// Load replaces the in-memory records with the persisted ones. A missing
// file leaves the store empty.
func (s *JobsStore) Load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load jobs state: %w", err)
	}
	var list []JobState
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode jobs state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]JobState, len(list))
	for _, job := range list {
		s.jobs[job.Name] = job
	}
	return nil
}
