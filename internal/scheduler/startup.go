package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johannesmutter/amberize/internal/archive"
)

// coverageGapThreshold filters out normal restarts; only downtime longer
// than 30 minutes (six default sync intervals) becomes evidence.
const coverageGapThreshold = 30 * time.Minute

// RecordStartup appends the app_started event and, when the archive has
// been unattended for longer than the threshold, a coverage_gap event
// documenting the unobserved window.
func RecordStartup(arch *archive.Archive, logger *logrus.Logger, now func() time.Time) {
	nowT := now().UTC()
	nowStr := nowT.Format(time.RFC3339)

	bootTime, haveBoot := systemBootTime()
	bootStr := ""
	if haveBoot {
		bootStr = bootTime.UTC().Format(time.RFC3339)
	}

	lastHeartbeat := lastCoverageMarker(arch)

	if _, err := arch.AppendEvent(archive.EventInput{
		OccurredAt: nowStr,
		Kind:       archive.EventKindAppStarted,
		Detail:     map[string]any{"v": 1, "system_boot_time": bootStr},
	}); err != nil {
		logger.WithError(err).Warn("Failed to record app start")
		return
	}

	if lastHeartbeat == "" {
		// First run ever; nothing to compare against.
		return
	}
	lastHB, err := time.Parse(time.RFC3339, lastHeartbeat)
	if err != nil {
		return
	}

	// If the machine booted after the last heartbeat it was off for part
	// of the window; only the stretch from boot to now was uncovered.
	gapStart := lastHB
	if haveBoot && bootTime.After(lastHB) {
		gapStart = bootTime
	}

	gap := nowT.Sub(gapStart)
	if gap <= coverageGapThreshold {
		return
	}

	if _, err := arch.AppendEvent(archive.EventInput{
		OccurredAt: nowStr,
		Kind:       archive.EventKindCoverageGap,
		Detail: map[string]any{
			"v":                1,
			"gap_start":        gapStart.UTC().Format(time.RFC3339),
			"gap_end_approx":   nowStr,
			"gap_seconds":      int64(gap.Seconds()),
			"last_heartbeat":   lastHeartbeat,
			"system_boot_time": bootStr,
		},
	}); err != nil {
		logger.WithError(err).Warn("Failed to record coverage gap")
		return
	}

	logger.WithField("gap_seconds", int64(gap.Seconds())).Warn("Coverage gap detected")
}

// lastCoverageMarker finds the best indicator of when the archiver was
// last alive: the explicit heartbeat, then the last sync_finished, then
// the last app_started.
func lastCoverageMarker(arch *archive.Archive) string {
	if hb, err := arch.LastHeartbeat(); err == nil && hb != "" {
		return hb
	}
	if ts, err := arch.LastEventTimeByKind(archive.EventKindSyncFinished); err == nil && ts != "" {
		return ts
	}
	if ts, err := arch.LastEventTimeByKind(archive.EventKindAppStarted); err == nil && ts != "" {
		return ts
	}
	return ""
}

// VerifyIntegrityAtStartup runs the full verification (chain walk, blob
// re-hash and root-hash checkpoint) and records the outcome. A broken archive is
// never auto-repaired; the warning propagates to the shell and the
// archive stays readable.
func VerifyIntegrityAtStartup(arch *archive.Archive, logger *logrus.Logger) archive.IntegrityStatus {
	status, err := arch.VerifyIntegrity()
	if err != nil {
		logger.WithError(err).Warn("Startup integrity verification failed to run")
		return status
	}

	if status.OK {
		if _, err := arch.AppendEvent(archive.EventInput{
			Kind:   archive.EventKindIntegrityCheck,
			Detail: map[string]any{"ok": true, "kind": "startup"},
		}); err != nil {
			logger.WithError(err).Warn("Failed to record integrity check")
		}
		return status
	}

	logger.WithField("issues", status.Issues).Error("Archive integrity broken")
	recordTampering(arch, logger, "startup", status)
	return status
}

// recordTampering appends both the failed integrity_check and a
// tampering_detected event with the collected issues.
func recordTampering(arch *archive.Archive, logger *logrus.Logger, checkKind string, status archive.IntegrityStatus) {
	detail := map[string]any{
		"ok":   false,
		"kind": checkKind,
	}
	if status.ChainFirstMismatchEventID != nil {
		detail["broken_at"] = *status.ChainFirstMismatchEventID
	}
	if _, err := arch.AppendEvent(archive.EventInput{
		Kind:   archive.EventKindIntegrityCheck,
		Detail: detail,
	}); err != nil {
		logger.WithError(err).Warn("Failed to record integrity check")
	}

	issues := make([]any, 0, len(status.Issues))
	for _, issue := range status.Issues {
		issues = append(issues, issue)
	}
	if _, err := arch.AppendEvent(archive.EventInput{
		Kind: archive.EventKindTamperingDetected,
		Detail: map[string]any{
			"kind":         checkKind,
			"chain_ok":     status.ChainOK,
			"root_hash_ok": status.RootHashOK,
			"issues":       issues,
		},
	}); err != nil {
		logger.WithError(err).Warn("Failed to record tampering event")
	}
}
