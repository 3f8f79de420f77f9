// Package scheduler drives the background sync cadence: one recurring
// tick plus a manual trigger, per-account serialization, heartbeats, and
// the periodic integrity checks that ride along each cycle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/internal/config"
	"github.com/johannesmutter/amberize/internal/syncer"
	"github.com/johannesmutter/amberize/pkg/types"
)

// Shell-facing event stream topics.
const (
	TopicSyncStatusUpdated = "sync_status_updated"
	TopicSyncProgress      = "sync_progress"
)

// fullVerificationEveryNCycles controls how often the cheap root-hash
// check is upgraded to a full event chain walk.
const fullVerificationEveryNCycles = 10

// EmitFunc delivers an event stream payload to the shell. Implementations
// must not block; the scheduler calls it inline.
type EmitFunc func(topic string, payload any)

// Scheduler owns the recurring sync loop.
type Scheduler struct {
	archive *archive.Archive
	engine  *syncer.Engine
	cfg     *config.Config
	logger  *logrus.Logger

	// Emit publishes to the shell's event stream; nil means no shell is
	// attached.
	Emit EmitFunc

	trigger      chan struct{}
	accountLocks sync.Map

	mu         sync.Mutex
	inProgress bool
	lastSyncAt string
	lastStatus string

	cycleCount uint64

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New builds a scheduler over the archive and sync engine.
func New(arch *archive.Archive, engine *syncer.Engine, cfg *config.Config, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		archive:    arch,
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		lastStatus: "never",
		now:        time.Now,
	}
}

// Start runs the startup checks and launches the background loop. It
// returns immediately; Stop shuts the loop down cooperatively.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})

	RecordStartup(s.archive, s.logger, s.now)
	VerifyIntegrityAtStartup(s.archive, s.logger)

	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to drain. Cancellation is
// cooperative: an in-flight batch commits or rolls back as a unit and the
// next run resumes from the advanced cursor.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// TriggerSync requests an immediate sync. A trigger arriving while a sync
// runs coalesces with it instead of queueing a duplicate.
func (s *Scheduler) TriggerSync() {
	s.mu.Lock()
	running := s.inProgress
	s.mu.Unlock()
	if running {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns the shell-facing sync state.
func (s *Scheduler) Status() types.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SyncStatus{
		SyncInProgress: s.inProgress,
		LastSyncAt:     s.lastSyncAt,
		LastSyncStatus: s.lastStatus,
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(s.cfg.SyncIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if err := s.archive.SetHeartbeat(s.now().UTC().Format(time.RFC3339)); err != nil {
			s.logger.WithError(err).Warn("Failed to write heartbeat")
		}

		s.runAllAccounts(ctx)

		s.cycleCount++
		runFull := s.cycleCount%fullVerificationEveryNCycles == 0
		s.runPeriodicIntegrityCheck(runFull)
	}
}

// runAllAccounts syncs every enabled account, at most MaxConcurrent at a
// time, each under its own per-account lock so a manual trigger can never
// start a second sync of the same account.
func (s *Scheduler) runAllAccounts(ctx context.Context) {
	accounts, err := s.archive.ListAccounts()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list accounts")
		return
	}

	s.setInProgress(true)
	defer s.setInProgress(false)

	sem := make(chan struct{}, s.cfg.MaxConcurrentAccounts)
	var wg sync.WaitGroup
	var hadErrors bool
	var mu sync.Mutex

	for i := range accounts {
		account := accounts[i]
		if account.Disabled {
			continue
		}

		if _, running := s.accountLocks.LoadOrStore(account.ID, true); running {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.accountLocks.Delete(account.ID)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			onProgress := func(p types.SyncProgress) {
				if s.Emit != nil {
					s.Emit(TopicSyncProgress, p)
				}
			}

			summary, err := s.engine.SyncAccount(ctx, &account, onProgress)
			if err != nil || summary.HadMailboxErrors {
				mu.Lock()
				hadErrors = true
				mu.Unlock()
			}
			if err != nil {
				s.logger.WithError(err).WithField("account", account.EmailAddress).Warn("Account sync failed")
			}
		}()
	}

	wg.Wait()

	status := "ok"
	if hadErrors {
		status = "partial"
	}
	if ctx.Err() != nil {
		status = "cancelled"
	}

	s.mu.Lock()
	s.lastSyncAt = s.now().UTC().Format(time.RFC3339)
	s.lastStatus = status
	s.mu.Unlock()

	if s.Emit != nil {
		s.Emit(TopicSyncStatusUpdated, s.Status())
	}
}

func (s *Scheduler) setInProgress(v bool) {
	s.mu.Lock()
	s.inProgress = v
	s.mu.Unlock()
	if s.Emit != nil {
		s.Emit(TopicSyncStatusUpdated, s.Status())
	}
}

// runPeriodicIntegrityCheck compares the root hash against the latest
// checkpoint every cycle, and walks the whole event chain every Nth one.
func (s *Scheduler) runPeriodicIntegrityCheck(runFullChain bool) {
	var status archive.IntegrityStatus
	var err error
	if runFullChain {
		status, err = s.archive.VerifyIntegrity()
	} else {
		status, err = s.archive.VerifyRootHashOnly()
	}
	if err != nil {
		s.logger.WithError(err).Warn("Integrity check failed to run")
		return
	}

	checkKind := "quick"
	if runFullChain {
		checkKind = "full"
	}

	if status.OK {
		if _, err := s.archive.AppendEvent(archive.EventInput{
			Kind:   archive.EventKindIntegrityCheck,
			Detail: map[string]any{"ok": true, "kind": checkKind},
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to record integrity check")
		}
		return
	}

	s.logger.WithField("issues", status.Issues).Error("Archive integrity check failed")
	recordTampering(s.archive, s.logger, checkKind, status)
}
