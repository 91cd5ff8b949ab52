// Package recurring submits tasks on cron schedules. Job specs persist in
// a yaml file next to the settings so schedules survive daemon restarts.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const submitTimeout = 10 * time.Second

var ErrDuplicateJob = errors.New("schedule already exists")

// StartFunc submits one task. The HTTP layer and the cron runner share
// the same submission path.
type StartFunc func(ctx context.Context, taskID, prompt, model string) error

type Job struct {
	ID     string `yaml:"id" json:"id"`
	Spec   string `yaml:"spec" json:"spec"`
	Prompt string `yaml:"prompt" json:"prompt"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Service owns the cron runner and the persisted job list. Submission
// failures (full queue, duplicate ids, host down) are logged and retried
// at the next tick, never fatal.
type Service struct {
	path  string
	start StartFunc
	cron  *cron.Cron

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

func NewService(path string, start StartFunc) (*Service, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("schedule path is required")
	}
	if start == nil {
		return nil, errors.New("start func is required")
	}
	s := &Service{
		path:    path,
		start:   start,
		cron:    cron.New(),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Start() { s.cron.Start() }

// Stop halts the runner and waits for in-flight submissions.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Add validates, schedules, and persists a job. A blank id gets a
// generated one.
func (s *Service) Add(job Job) (Job, error) {
	job.ID = strings.TrimSpace(job.ID)
	job.Spec = strings.TrimSpace(job.Spec)
	job.Prompt = strings.TrimSpace(job.Prompt)
	job.Model = strings.TrimSpace(job.Model)
	if job.Spec == "" {
		return Job{}, errors.New("cron spec is required")
	}
	if job.Prompt == "" {
		return Job{}, errors.New("job prompt is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return Job{}, fmt.Errorf("schedule %s: %w", job.ID, ErrDuplicateJob)
	}

	entryID, err := s.scheduleLocked(job)
	if err != nil {
		return Job{}, err
	}
	s.jobs[job.ID] = job
	s.entries[job.ID] = entryID

	if err := s.persistLocked(); err != nil {
		s.cron.Remove(entryID)
		delete(s.jobs, job.ID)
		delete(s.entries, job.ID)
		return Job{}, err
	}
	return job, nil
}

// Remove unschedules and forgets a job. It reports whether the job
// existed.
func (s *Service) Remove(id string) bool {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
	}
	delete(s.jobs, id)
	delete(s.entries, id)
	if err := s.persistLocked(); err != nil {
		log.Printf("recurring: persist after removing %s failed: %v", id, err)
	}
	return true
}

// List returns the jobs sorted by id.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) scheduleLocked(job Job) (cron.EntryID, error) {
	entryID, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return 0, fmt.Errorf("invalid cron spec %q: %w", job.Spec, err)
	}
	return entryID, nil
}

// run fires on the cron goroutine. Each tick submits a fresh task id so
// reruns never collide with a still-active earlier run.
func (s *Service) run(job Job) {
	taskID := fmt.Sprintf("%s-%s", job.ID, uuid.NewString()[:8])
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := s.start(ctx, taskID, job.Prompt, job.Model); err != nil {
		log.Printf("recurring: job %s submission failed: %v", job.ID, err)
		return
	}
	log.Printf("recurring: job %s submitted task %s", job.ID, taskID)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schedules %s: %w", s.path, err)
	}
	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse schedules %s: %w", s.path, err)
	}
	for _, job := range jobs {
		entryID, err := s.scheduleLocked(job)
		if err != nil {
			log.Printf("recurring: skipping persisted job %s: %v", job.ID, err)
			continue
		}
		s.jobs[job.ID] = job
		s.entries[job.ID] = entryID
	}
	return nil
}

func (s *Service) persistLocked() error {
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	data, err := yaml.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedules dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write schedules temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace schedules file: %w", err)
	}
	return nil
}
