package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsperling/grabdeck/internal/config"
	"github.com/jsperling/grabdeck/internal/metrics"
	"github.com/jsperling/grabdeck/internal/storage"
	"github.com/jsperling/grabdeck/internal/ytdlp"
)

// ErrPauseRequested is raised out of the progress hook to abort a running
// extraction when the user pauses the job.
var ErrPauseRequested = errors.New("paused_by_user")

// schedulerInterval bounds how long a queued job waits for a free slot when
// no enqueue signal arrives.
const schedulerInterval = 500 * time.Millisecond

// cancelSignal is a one-shot flag shared between the control plane and the
// worker running a job. Set is safe to call any number of times.
type cancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelSignal() *cancelSignal {
	return &cancelSignal{ch: make(chan struct{})}
}

func (c *cancelSignal) Set() {
	c.once.Do(func() { close(c.ch) })
}

func (c *cancelSignal) IsSet() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// activeJob tracks one in-flight worker.
type activeJob struct {
	cancel  *cancelSignal
	started time.Time
}

// Manager owns the scheduler loop and the set of running download workers.
// The downloads table is the queue: the scheduler claims queued rows through
// guarded UPDATEs, so restarts and concurrent schedulers cannot double-run
// a job.
type Manager struct {
	store    *storage.Storage
	recorder *metrics.Recorder
	runner   ytdlp.Runner
	logger   *slog.Logger
	settings *config.Settings

	mu     sync.Mutex
	active map[string]*activeJob

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

func NewManager(store *storage.Storage, recorder *metrics.Recorder, runner ytdlp.Runner, logger *slog.Logger, settings *config.Settings) *Manager {
	if settings.MaxConcurrentDownloads < 1 {
		settings.MaxConcurrentDownloads = 1
	}
	if settings.ProgressFlushInterval < 100*time.Millisecond {
		settings.ProgressFlushInterval = 100 * time.Millisecond
	}
	return &Manager{
		store:    store,
		recorder: recorder,
		runner:   runner,
		logger:   logger,
		settings: settings,
		active:   make(map[string]*activeJob),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (m *Manager) Start() {
	go m.schedulerLoop()
}

// Stop asks the scheduler to exit and waits up to two seconds for it.
// Running workers are not joined; interrupted rows are recovered to failed
// on the next startup.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
	}
}

// Kick nudges the scheduler without waiting for the next tick. Safe to call
// from any goroutine; a pending nudge is never queued twice.
func (m *Manager) Kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) schedulerLoop() {
	defer close(m.done)

	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		m.safeRunOnce()
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// safeRunOnce keeps a panicking iteration from killing the scheduler.
func (m *Manager) safeRunOnce() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scheduler_iteration_failed", "panic", fmt.Sprint(r))
		}
	}()
	if err := m.runOnce(); err != nil {
		m.logger.Error("scheduler_iteration_failed", "error", err)
	}
}

func (m *Manager) runOnce() error {
	m.syncGauges()

	m.mu.Lock()
	available := m.settings.MaxConcurrentDownloads - len(m.active)
	m.mu.Unlock()
	if available <= 0 {
		return nil
	}

	ids, err := m.store.QueuedIDs(available)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.tryStartJob(id)
	}
	return nil
}

func (m *Manager) syncGauges() {
	m.mu.Lock()
	m.recorder.SetActiveJobs(len(m.active))
	m.mu.Unlock()

	if queued, err := m.store.CountQueued(); err == nil {
		m.recorder.SetQueueDepth(int(queued))
	}
}

// tryStartJob registers the job as active and hands it to a worker
// goroutine. Returns false when the job is already running.
func (m *Manager) tryStartJob(id string) bool {
	m.mu.Lock()
	if _, running := m.active[id]; running {
		m.mu.Unlock()
		return false
	}
	cancel := newCancelSignal()
	m.active[id] = &activeJob{cancel: cancel, started: time.Now()}
	m.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker_panic_recovered", "job_id", id, "panic", fmt.Sprint(r))
				if _, err := m.store.SetFailed(id, fmt.Sprintf("worker panic: %v", r), "WorkerPanic", storage.ProfilePrimary, 1, 1); err != nil {
					m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
				}
			}
			m.mu.Lock()
			delete(m.active, id)
			m.mu.Unlock()
			m.syncGauges()
		}()
		m.runWorker(id, cancel)
	}()
	return true
}

// cancelFor returns the cancel signal of a running job, or nil.
func (m *Manager) cancelFor(id string) *cancelSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.active[id]
	if !ok {
		return nil
	}
	return job.cancel
}

// ActiveCount reports how many workers are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Enqueue creates a new queued download and nudges the scheduler. The caller
// is responsible for validating the URL and preset.
func (m *Manager) Enqueue(url, preset string) (*storage.Download, error) {
	id := uuid.NewString()
	record, err := m.store.CreateDownload(id, url, preset)
	if err != nil {
		return nil, err
	}
	m.recorder.MarkQueued(preset)
	m.logger.Info("job_queued", "job_id", id, "preset", preset, "url", url)
	m.Kick()
	return record, nil
}

// Pause stops a job. A queued job flips straight to paused; a running job
// gets its cancel signal set and its row paused immediately so the UI does
// not wait for the worker to notice.
func (m *Manager) Pause(id string) (bool, string, error) {
	paused, err := m.store.PauseQueued(id)
	if err != nil {
		return false, "", err
	}
	if paused {
		m.recorder.MarkPaused()
		return true, "paused", nil
	}

	cancel := m.cancelFor(id)
	if cancel == nil {
		return false, "job_not_active_or_not_queued", nil
	}

	cancel.Set()
	if _, err := m.store.SetPaused(id, "paused_by_user"); err != nil {
		return false, "", err
	}
	m.recorder.MarkPaused()
	m.logger.Info("pause_requested", "job_id", id)
	return true, "pause_requested", nil
}

// Resume moves a paused job back to the queue.
func (m *Manager) Resume(id string) (bool, string, error) {
	resumed, err := m.store.ResumePaused(id)
	if err != nil {
		return false, "", err
	}
	if !resumed {
		return false, "invalid_state", nil
	}
	m.logger.Info("job_resumed", "job_id", id)
	m.Kick()
	return true, "queued", nil
}

// Retry re-queues a failed or paused job with a widened attempt budget.
func (m *Manager) Retry(id string) (bool, string, error) {
	retried, err := m.store.RetryDownload(id)
	if err != nil {
		return false, "", err
	}
	if !retried {
		return false, "invalid_state", nil
	}
	m.recorder.MarkRetried()
	m.logger.Info("job_retried", "job_id", id)
	m.Kick()
	return true, "queued", nil
}

// Delete cancels the job if running, removes its row and attempt history,
// and removes its files from disk. The row is the source of truth: files are
// only deleted after the row is gone.
func (m *Manager) Delete(id string) (bool, string, error) {
	if cancel := m.cancelFor(id); cancel != nil {
		cancel.Set()
	}

	deleted, record, err := m.store.DeleteDownload(id)
	if err != nil {
		return false, "", err
	}
	if !deleted {
		return false, "not_found", nil
	}

	m.deleteLocalFiles(record)
	m.logger.Info("job_deleted", "job_id", id)
	return true, "deleted", nil
}
