// Package task manages the project backlog: a canonical tasks.json file
// loaded into the memory store, dependency-gated eligibility, claim leasing,
// and a background sweeper that expires dead claims.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"helmsman/internal/logging"
	"helmsman/internal/memory"
	"helmsman/internal/types"
)

// tasksFile is the canonical backlog source inside the workspace directory.
const tasksFile = "tasks.json"

// maxClaimFailures is how many expired leases a task survives before it is
// failed outright.
const maxClaimFailures = 3

// backlogFile is the on-disk shape of tasks.json.
type backlogFile struct {
	Version int           `json:"version"`
	Tasks   []*types.Task `json:"tasks"`
}

// Manager is the task manager.
type Manager struct {
	mem     *memory.Store
	helmDir string

	mu      sync.Mutex
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a task manager over the workspace's .helm directory.
func NewManager(mem *memory.Store, helmDir string) *Manager {
	return &Manager{
		mem:     mem,
		helmDir: helmDir,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// LoadBacklog reads tasks.json and upserts every non-terminal task into the
// store. Terminal tasks in the store are never overwritten by the file.
func (m *Manager) LoadBacklog(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) (int, error) {
	path := filepath.Join(m.helmDir, tasksFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Tasks("No %s found; backlog starts empty", tasksFile)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", tasksFile, err)
	}

	var file backlogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("invalid %s: %w", tasksFile, err)
	}

	loaded := 0
	for _, t := range file.Tasks {
		if t.ID == "" || t.Title == "" {
			logging.Tasks("Skipping backlog entry without id/title: %+v", t)
			continue
		}
		if t.Priority == "" {
			t.Priority = types.PriorityMedium
		}
		if t.Status == "" {
			t.Status = types.TaskPending
		}

		// Completed/failed tasks in the store win over the file.
		if existing, err := m.mem.GetTask(ctx, t.ID); err == nil && existing.Terminal() {
			continue
		}
		if err := m.mem.UpsertTask(ctx, t); err != nil {
			logging.Tasks("Failed to upsert task %s: %v", t.ID, err)
			continue
		}
		loaded++
	}
	logging.Tasks("Loaded %d tasks from %s", loaded, tasksFile)
	return loaded, nil
}

// Watch reloads the backlog whenever tasks.json changes on disk. The sweeper
// also runs here: claims whose leases lapse revert to pending, and a task
// that burns too many leases fails.
func (m *Manager) Watch(ctx context.Context, sweepEvery time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(m.helmDir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", m.helmDir, err)
	}
	m.watcher = w

	go m.run(ctx, sweepEvery)
	return nil
}

func (m *Manager) run(ctx context.Context, sweepEvery time.Duration) {
	defer close(m.doneCh)
	defer m.watcher.Close()

	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	// Editors fire bursts of write events; debounce reloads.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != tasksFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(200 * time.Millisecond)
			}
		case <-pending:
			pending = nil
			m.mu.Lock()
			if _, err := m.loadLocked(ctx); err != nil {
				logging.Tasks("Backlog reload failed: %v", err)
			}
			m.mu.Unlock()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Tasks("Watcher error: %v", err)
		case <-sweep.C:
			m.Sweep(ctx)
		}
	}
}

// Stop shuts down the watcher goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.watcher != nil {
		<-m.doneCh
	}
}

// Sweep expires lapsed leases once. Exposed for the loop to call on demand.
func (m *Manager) Sweep(ctx context.Context) {
	reverted, failed, err := m.mem.ExpireLeases(ctx, time.Now().UTC(), maxClaimFailures)
	if err != nil {
		logging.Tasks("Lease sweep failed: %v", err)
		return
	}
	for _, id := range reverted {
		logging.Tasks("Lease expired, task %s back to pending", id)
	}
	for _, id := range failed {
		logging.Tasks("Task %s failed after %d expired leases", id, maxClaimFailures)
	}
}

// NextEligible returns the next claimable task: all dependencies completed,
// status pending, ordered by priority then age. Returns memory.ErrNotFound
// when the backlog has nothing eligible.
func (m *Manager) NextEligible(ctx context.Context) (*types.Task, error) {
	eligible, err := m.Eligible(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, memory.ErrNotFound
	}
	return eligible[0], nil
}

// Eligible lists all claimable tasks in selection order.
func (m *Manager) Eligible(ctx context.Context) ([]*types.Task, error) {
	pending, err := m.mem.ListTasks(ctx, types.TaskPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	done := make(map[string]bool)
	completed, err := m.mem.ListTasks(ctx, types.TaskCompleted)
	if err != nil {
		return nil, err
	}
	for _, t := range completed {
		done[t.ID] = true
	}

	var out []*types.Task
	for _, t := range pending {
		if depsSatisfied(t, done) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func depsSatisfied(t *types.Task, done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Claim leases a task for the owner.
func (m *Manager) Claim(ctx context.Context, taskID, owner string, lease time.Duration) (*types.Claim, error) {
	claim, err := m.mem.ClaimTask(ctx, taskID, owner, lease)
	if err != nil {
		return nil, err
	}
	logging.Tasks("Task %s claimed by %s (lease %s)", taskID, owner, lease)
	return claim, nil
}

// Heartbeat extends the lease on a claimed task.
func (m *Manager) Heartbeat(ctx context.Context, taskID, owner string, lease time.Duration) error {
	return m.mem.RecordHeartbeat(ctx, taskID, owner, lease)
}

// Start moves a claimed task to in-progress.
func (m *Manager) Start(ctx context.Context, taskID, owner string) error {
	return m.mem.StartTask(ctx, taskID, owner)
}

// Release returns a claimed or in-progress task to pending.
func (m *Manager) Release(ctx context.Context, taskID string) error {
	logging.Tasks("Releasing task %s", taskID)
	return m.mem.UpdateTaskStatus(ctx, taskID, types.TaskPending, "", "")
}

// Complete finishes a task with its result and quality score.
func (m *Manager) Complete(ctx context.Context, taskID, result string, quality float64) error {
	if err := m.mem.AppendTaskQuality(ctx, taskID, quality); err != nil {
		logging.Tasks("Failed to append quality for %s: %v", taskID, err)
	}
	if err := m.mem.UpdateTaskStatus(ctx, taskID, types.TaskCompleted, result, ""); err != nil {
		return err
	}
	logging.Tasks("Task %s completed (quality %.1f)", taskID, quality)
	return nil
}

// Fail marks a task failed with a reason.
func (m *Manager) Fail(ctx context.Context, taskID, reason string) error {
	if err := m.mem.UpdateTaskStatus(ctx, taskID, types.TaskFailed, "", reason); err != nil {
		return err
	}
	logging.Tasks("Task %s failed: %s", taskID, reason)
	return nil
}

// Get returns one task by id.
func (m *Manager) Get(ctx context.Context, taskID string) (*types.Task, error) {
	return m.mem.GetTask(ctx, taskID)
}

// List returns tasks by status; empty status lists everything.
func (m *Manager) List(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	return m.mem.ListTasks(ctx, status)
}
