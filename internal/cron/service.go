package cron

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrJobNotFound is returned by operations addressing a job id that isn't
// in the store.
var ErrJobNotFound = errors.New("cron: job not found")

// tickInterval is the cadence the service re-evaluates every enabled job's
// next_run_at_ms against the current time.
const tickInterval = time.Second

// FireFunc is invoked once per job firing, holding no service lock. It
// returns the status ("ok"/"error"/"skipped") and an optional error detail
// to record in the job's state.
type FireFunc func(ctx context.Context, job *CronJob) (status string, errDetail string)

// Service owns a CronStore on disk: add_job/list_jobs/remove_job/enable_job
// plus a background ticker that fires due jobs. Exclusive owner of the
// store file; callers never see its internal map.
type Service struct {
	mu   sync.Mutex
	path string
	data storeData
	fire FireFunc
	log  *slog.Logger

	runningMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewService loads path (or starts an empty, version-1 store if the file is
// missing or unreadable) and returns a Service bound to it. fire is called
// on every job firing once Start runs; it may be nil until Start is called
// with SetFireFunc, to support constructing the service before the agent
// loop it delivers into exists.
func NewService(path string, fire FireFunc, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{path: path, fire: fire, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetFireFunc installs or replaces the firing callback.
func (s *Service) SetFireFunc(fire FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
}

func (s *Service) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = storeData{Version: storeVersion, Jobs: []*CronJob{}}
			return nil
		}
		s.log.Warn("cron: failed to read store, starting empty", "path", s.path, "error", err)
		s.data = storeData{Version: storeVersion, Jobs: []*CronJob{}}
		return nil
	}
	var parsed storeData
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.log.Warn("cron: failed to parse store, starting empty", "path", s.path, "error", err)
		s.data = storeData{Version: storeVersion, Jobs: []*CronJob{}}
		return nil
	}
	if parsed.Version == 0 {
		parsed.Version = storeVersion
	}
	if parsed.Jobs == nil {
		parsed.Jobs = []*CronJob{}
	}
	s.data = parsed
	return nil
}

// persist writes the store atomically: write to a sibling temp file, then
// rename over the target, matching internal/pairing's store idiom. Write
// failures are logged at warn and leave in-memory state as the source of
// truth; the next successful write self-heals (spec.md §7 persistence
// errors).
func (s *Service) persist() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.Warn("cron: failed to create store directory", "path", s.path, "error", err)
		return
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.log.Warn("cron: failed to encode store", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		s.log.Warn("cron: failed to write store", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("cron: failed to rename store into place", "path", s.path, "error", err)
	}
}

func generateJobID(existing map[string]bool) (string, error) {
	for i := 0; i < 500; i++ {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		id := hex.EncodeToString(buf)[:8]
		if !existing[id] {
			return id, nil
		}
	}
	return "", errors.New("cron: failed to generate unique job id")
}

// AddJob implements add_job: validates the schedule, mints a unique 8-hex
// id, computes the initial next_run_at_ms, appends, and persists.
func (s *Service) AddJob(name string, sched Schedule, message string, deliver bool, channel, to string, deleteAfterRun bool) (*CronJob, error) {
	if _, _, err := next(sched, time.Now()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.data.Jobs))
	for _, j := range s.data.Jobs {
		existing[j.ID] = true
	}
	id, err := generateJobID(existing)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	job := &CronJob{
		ID:      id,
		Name:    name,
		Enabled: true,
		Schedule: sched,
		Payload: Payload{
			Kind:    PayloadAgentTurn,
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
		DeleteAfterRun: deleteAfterRun,
	}
	if nextMs, ok, err := next(sched, now); err == nil && ok {
		job.State.NextRunAtMs = nextMs
	}

	s.data.Jobs = append(s.data.Jobs, job)
	s.persist()
	return job.Clone(), nil
}

// ListJobs implements list_jobs, returning clones ordered by creation.
func (s *Service) ListJobs(includeDisabled bool) []*CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*CronJob, 0, len(s.data.Jobs))
	for _, j := range s.data.Jobs {
		if !includeDisabled && !j.Enabled {
			continue
		}
		out = append(out, j.Clone())
	}
	return out
}

// RemoveJob implements remove_job.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, j := range s.data.Jobs {
		if j.ID == id {
			s.data.Jobs = append(s.data.Jobs[:i], s.data.Jobs[i+1:]...)
			s.persist()
			return true
		}
	}
	return false
}

// EnableJob implements enable_job.
func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.data.Jobs {
		if j.ID == id {
			j.Enabled = enabled
			j.UpdatedAtMs = time.Now().UnixMilli()
			s.persist()
			return j.Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

// Status summarizes the service for the "status" operation of C8's API.
type Status struct {
	Running     bool `json:"running"`
	TotalJobs   int  `json:"totalJobs"`
	EnabledJobs int  `json:"enabledJobs"`
}

// Status reports whether the ticker is running and basic job counts.
func (s *Service) Status() Status {
	s.mu.Lock()
	enabled := 0
	for _, j := range s.data.Jobs {
		if j.Enabled {
			enabled++
		}
	}
	total := len(s.data.Jobs)
	s.mu.Unlock()

	s.runningMu.Lock()
	running := s.running
	s.runningMu.Unlock()

	return Status{Running: running, TotalJobs: total, EnabledJobs: enabled}
}

// Start begins the ~1s tick cadence described by spec.md §4.7. It returns
// immediately; the ticker runs on its own goroutine until ctx is done or
// Stop is called. Calling Start twice without an intervening Stop is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.runningMu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.markStopped()
				return
			case <-stopCh:
				s.markStopped()
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Service) markStopped() {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()
}

// Stop requests the ticker goroutine to exit and waits for it to do so.
func (s *Service) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.runningMu.Unlock()

	close(stopCh)
	<-doneCh
}

// tick evaluates every enabled job once: jobs whose next_run_at_ms has
// arrived fire via s.fire, then have their state advanced and the store
// persisted. Firing calls are made without holding the lock since fire may
// re-enter the agent loop (process_direct) and take nontrivial time.
func (s *Service) tick(ctx context.Context) {
	now := time.Now()
	nowMs := now.UnixMilli()

	s.mu.Lock()
	var due []*CronJob
	for _, j := range s.data.Jobs {
		if j.Enabled && j.State.NextRunAtMs > 0 && nowMs >= j.State.NextRunAtMs {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	fire := s.fire
	for _, job := range due {
		status, errDetail := StatusSkipped, ""
		if fire != nil {
			status, errDetail = fire(ctx, job.Clone())
		}
		s.completeFire(job.ID, status, errDetail)
	}
}

func (s *Service) completeFire(id, status, errDetail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *CronJob
	idx := -1
	for i, j := range s.data.Jobs {
		if j.ID == id {
			job, idx = j, i
			break
		}
	}
	if job == nil {
		return
	}

	now := time.Now()
	job.State.LastRunAtMs = now.UnixMilli()
	job.State.LastStatus = status
	job.State.LastError = errDetail
	job.UpdatedAtMs = job.State.LastRunAtMs

	if job.DeleteAfterRun {
		s.data.Jobs = append(s.data.Jobs[:idx], s.data.Jobs[idx+1:]...)
		s.persist()
		return
	}

	if job.Schedule.Kind == ScheduleAt {
		job.State.NextRunAtMs = 0
		job.Enabled = false
		s.persist()
		return
	}

	if nextMs, ok, err := next(job.Schedule, now); err == nil && ok {
		job.State.NextRunAtMs = nextMs
	} else {
		job.State.NextRunAtMs = 0
	}
	s.persist()
}

// DefaultStorePath returns "<dataDir>/cron/jobs.json", the path spec.md's
// cron persisted file names.
func DefaultStorePath(dataDir string) string {
	return filepath.Join(dataDir, "cron", "jobs.json")
}

// FormatScheduleError is a helper for tool wrappers to surface schedule
// validation failures uniformly.
func FormatScheduleError(err error) string {
	return fmt.Sprintf("Error: %v", err)
}
