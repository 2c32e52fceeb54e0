// Package jobs contains the in-memory job orchestration core: the job store,
// the buffered progress hub, the evaluation and remediation job managers, and
// the batch coordinator.
package jobs

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// StoreOptions configure a Store.
type StoreOptions struct {
	LogTailMax    int
	TTL           time.Duration
	SweepInterval time.Duration
}

// StoreStats summarizes the catalog for /healthz and manager stats.
type StoreStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Active    int `json:"active"`
}

// Store is the in-memory job catalog. Terminal jobs are garbage collected
// once their updatedAt is older than TTL; queued and running jobs are never
// swept regardless of age.
type Store struct {
	mu         sync.RWMutex
	jobs       map[string]*domain.Job
	logTailMax int
	ttl        time.Duration
	sweepEvery time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewStore constructs a Store. Zero options fall back to the service defaults
// (50-entry log tail, 1 h TTL, 10 min sweep).
func NewStore(opts StoreOptions) *Store {
	if opts.LogTailMax <= 0 {
		opts.LogTailMax = 50
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	return &Store{
		jobs:       make(map[string]*domain.Job),
		logTailMax: opts.LogTailMax,
		ttl:        opts.TTL,
		sweepEvery: opts.SweepInterval,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Create inserts a new job. The caller owns id uniqueness.
func (s *Store) Create(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

// Get returns a consistent snapshot of the job.
func (s *Store) Get(id string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return snapshot(j), true
}

// MarkRunning transitions a queued job to running, recording startedAt.
// Returns false when the job is absent or not queued.
func (s *Store) MarkRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return false
	}
	now := s.now()
	j.Status = domain.JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return true
}

// UpdateStatus sets the job status, maintaining the terminal timestamps.
func (s *Store) UpdateStatus(id string, status domain.JobStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case domain.JobRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case domain.JobCompleted:
		j.CompletedAt = &now
	case domain.JobFailed:
		j.FailedAt = &now
	}
	return true
}

// UpdateProgress replaces the progress snapshot.
func (s *Store) UpdateProgress(id string, p domain.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Progress = p
		j.UpdatedAt = s.now()
	}
}

// UpdateCurrentStep records the step label of a remediation job.
func (s *Store) UpdateCurrentStep(id, step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.CurrentStep = step
		j.UpdatedAt = s.now()
	}
}

// AppendLog appends to the job's log tail, retaining the most recent entries
// up to the configured cap.
func (s *Store) AppendLog(id string, e domain.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.Logs = append(j.Logs, e)
	if len(j.Logs) > s.logTailMax {
		j.Logs = j.Logs[len(j.Logs)-s.logTailMax:]
	}
	j.UpdatedAt = s.now()
}

// StoreResult records the terminal success payload and completes the job.
func (s *Store) StoreResult(id string, result map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	now := s.now()
	j.Result = result
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true
}

// StoreError records the terminal failure and fails the job.
func (s *Store) StoreError(id string, jobErr domain.JobError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	now := s.now()
	cp := jobErr
	j.Error = &cp
	j.Status = domain.JobFailed
	j.FailedAt = &now
	j.UpdatedAt = now
	return true
}

// FailIfQueued fails a job only when it is still queued. Used by cancel.
func (s *Store) FailIfQueued(id string, jobErr domain.JobError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return false
	}
	now := s.now()
	cp := jobErr
	j.Error = &cp
	j.Status = domain.JobFailed
	j.FailedAt = &now
	j.UpdatedAt = now
	return true
}

// Delete removes a job from the catalog.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// All returns snapshots of every job, oldest first.
func (s *Store) All() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, snapshot(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// ActiveJobs returns queued and running jobs, oldest first.
func (s *Store) ActiveJobs() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, snapshot(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// ActiveCount counts queued plus running jobs.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status.Active() {
			n++
		}
	}
	return n
}

// OldestQueued returns the queued job with the earliest createdAt.
func (s *Store) OldestQueued() (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return domain.Job{}, false
	}
	return snapshot(oldest), true
}

// FindByEvaluationID returns the most recent job linked to an evaluation.
func (s *Store) FindByEvaluationID(evaluationID string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Job
	for _, j := range s.jobs {
		if j.EvaluationID != evaluationID {
			continue
		}
		if found == nil || j.CreatedAt.After(found.CreatedAt) {
			found = j
		}
	}
	if found == nil {
		return domain.Job{}, false
	}
	return snapshot(found), true
}

// CountsByStatus tallies jobs per status.
func (s *Store) CountsByStatus() map[domain.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.JobStatus]int, 4)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts
}

// Stats summarizes the catalog.
func (s *Store) Stats() StoreStats {
	counts := s.CountsByStatus()
	st := StoreStats{
		Queued:    counts[domain.JobQueued],
		Running:   counts[domain.JobRunning],
		Completed: counts[domain.JobCompleted],
		Failed:    counts[domain.JobFailed],
	}
	st.Total = st.Queued + st.Running + st.Completed + st.Failed
	st.Active = st.Queued + st.Running
	return st
}

// StartSweeper launches the periodic GC of terminal jobs.
func (s *Store) StartSweeper() {
	go func() {
		t := time.NewTicker(s.sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				removed := s.Sweep()
				if removed > 0 {
					slog.Info("job store sweep", slog.Int("removed", removed))
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Sweep removes terminal jobs whose updatedAt is older than TTL and returns
// how many were removed. Exposed for tests; the sweeper calls it on a timer.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Stop halts the sweeper. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// snapshot copies a job so readers never alias store-owned slices.
func snapshot(j *domain.Job) domain.Job {
	cp := *j
	if j.Logs != nil {
		cp.Logs = make([]domain.LogEntry, len(j.Logs))
		copy(cp.Logs, j.Logs)
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return cp
}
