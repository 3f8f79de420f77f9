package scheduler

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/internal/config"
	"github.com/johannesmutter/amberize/internal/secrets"
	"github.com/johannesmutter/amberize/internal/syncer"
)

func openTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	arch, err := archive.Open(filepath.Join(t.TempDir(), "sched.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })
	return arch
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestRecordStartupFirstRunHasNoGap(t *testing.T) {
	arch := openTestArchive(t)

	RecordStartup(arch, quietLogger(), time.Now)

	_, total, err := arch.ListEvents(archive.EventKindAppStarted, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	_, total, err = arch.ListEvents(archive.EventKindCoverageGap, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, total)
}

func TestRecordStartupDetectsCoverageGap(t *testing.T) {
	arch := openTestArchive(t)

	// The archiver was last alive two hours before the injected clock.
	// The clock sits in the future so the machine's real boot time never
	// lands inside the window and shrinks the gap.
	now := time.Now().UTC().Add(3 * time.Hour)
	lastAlive := now.Add(-2 * time.Hour)
	require.NoError(t, arch.SetHeartbeat(lastAlive.Format(time.RFC3339)))

	RecordStartup(arch, quietLogger(), func() time.Time { return now })

	events, total, err := arch.ListEvents(archive.EventKindCoverageGap, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	gap := extractGapSeconds(t, events[0].Detail)
	require.GreaterOrEqual(t, gap, int64(7000))
	require.LessOrEqual(t, gap, int64(7400))
}

func TestRecordStartupIgnoresShortDowntime(t *testing.T) {
	arch := openTestArchive(t)

	now := time.Now().UTC()
	require.NoError(t, arch.SetHeartbeat(now.Add(-5*time.Minute).Format(time.RFC3339)))

	RecordStartup(arch, quietLogger(), func() time.Time { return now })

	_, total, err := arch.ListEvents(archive.EventKindCoverageGap, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, total)
}

func extractGapSeconds(t *testing.T, detail string) int64 {
	t.Helper()
	var parsed struct {
		GapSeconds int64 `json:"gap_seconds"`
	}
	require.NoError(t, json.Unmarshal([]byte(detail), &parsed))
	return parsed.GapSeconds
}

func TestVerifyIntegrityAtStartupRecordsOutcome(t *testing.T) {
	arch := openTestArchive(t)

	status := VerifyIntegrityAtStartup(arch, quietLogger())
	require.True(t, status.OK)

	events, _, err := arch.ListEvents(archive.EventKindIntegrityCheck, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Contains(t, events[0].Detail, `"ok":true`)
}

func TestVerifyIntegrityAtStartupFlagsBrokenChain(t *testing.T) {
	arch := openTestArchive(t)

	for i := 0; i < 2; i++ {
		_, err := arch.AppendEvent(archive.EventInput{Kind: archive.EventKindAppStarted})
		require.NoError(t, err)
	}
	_, err := arch.DB().Exec("UPDATE events SET detail = '{\"x\":1}' WHERE id = 1")
	require.NoError(t, err)

	status := VerifyIntegrityAtStartup(arch, quietLogger())
	require.False(t, status.OK)

	_, total, err := arch.ListEvents(archive.EventKindTamperingDetected, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestManualTriggerCoalesces(t *testing.T) {
	arch := openTestArchive(t)
	cfg := &config.Config{
		SyncIntervalSecs:      60,
		MaxConcurrentAccounts: 2,
		UIDBatchSize:          50,
		MaxMessageBytes:       config.DefaultMaxMessageBytes,
	}
	engine := syncer.New(arch, secrets.NewMemoryStore(), cfg, quietLogger())
	sched := New(arch, engine, cfg, quietLogger())

	// A second trigger while one is pending does not queue a duplicate.
	sched.TriggerSync()
	sched.TriggerSync()
	require.Len(t, sched.trigger, 1)
}

func TestStatusReflectsLifecycle(t *testing.T) {
	arch := openTestArchive(t)
	cfg := &config.Config{
		SyncIntervalSecs:      60,
		MaxConcurrentAccounts: 1,
		UIDBatchSize:          50,
		MaxMessageBytes:       config.DefaultMaxMessageBytes,
	}
	engine := syncer.New(arch, secrets.NewMemoryStore(), cfg, quietLogger())
	sched := New(arch, engine, cfg, quietLogger())

	status := sched.Status()
	require.False(t, status.SyncInProgress)
	require.Equal(t, "never", status.LastSyncStatus)
}
