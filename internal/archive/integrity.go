package archive

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIntegrityBroken marks a failed verification. The archive is never
// auto-repaired; it stays readable so the evidence can be inspected.
var ErrIntegrityBroken = errors.New("archive integrity verification failed")

// BlobMismatch is one blob whose stored hash no longer matches its bytes.
type BlobMismatch struct {
	BlobID         int64  `json:"message_blob_id"`
	StoredSHA256   string `json:"stored_sha256"`
	ComputedSHA256 string `json:"computed_sha256"`
}

// BlobCheckResult reports a re-hash pass over the blob table.
type BlobCheckResult struct {
	CheckedBlobs int64          `json:"checked_message_blobs"`
	Mismatches   []BlobMismatch `json:"mismatches"`
}

// IntegrityStatus summarizes a full verification run.
type IntegrityStatus struct {
	OK                        bool     `json:"ok"`
	ChainOK                   bool     `json:"chain_ok"`
	ChainCheckedEvents        int64    `json:"chain_checked_events"`
	ChainFirstMismatchEventID *int64   `json:"chain_first_mismatch_event_id,omitempty"`
	RootHashOK                bool     `json:"root_hash_ok"`
	CurrentRootHash           string   `json:"current_root_hash"`
	CurrentBlobCount          int64    `json:"current_blob_count"`
	CheckpointRootHash        string   `json:"checkpoint_root_hash,omitempty"`
	CheckpointBlobCount       *int64   `json:"checkpoint_blob_count,omitempty"`
	Issues                    []string `json:"issues,omitempty"`
}

// BlobsRootHash digests all blob hashes in sorted order into a single
// archive-state fingerprint. Any added, removed, or altered blob changes
// the result.
func (a *Archive) BlobsRootHash() (string, error) {
	rows, err := a.db.Query("SELECT sha256 FROM message_blobs ORDER BY sha256 ASC")
	if err != nil {
		return "", fmt.Errorf("failed to query blob hashes: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var shaHex string
		if err := rows.Scan(&shaHex); err != nil {
			return "", fmt.Errorf("failed to scan blob hash: %w", err)
		}
		h.Write([]byte(shaHex))
		h.Write([]byte("\n"))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to iterate blob hashes: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyBlobs recomputes the SHA-256 of every stored raw message and
// compares it against the stored key, collecting up to maxMismatches
// before stopping.
func (a *Archive) VerifyBlobs(maxMismatches int) (BlobCheckResult, error) {
	if maxMismatches <= 0 {
		maxMismatches = 100
	}

	rows, err := a.db.Query("SELECT id, sha256, raw_mime FROM message_blobs ORDER BY id ASC")
	if err != nil {
		return BlobCheckResult{}, fmt.Errorf("failed to query blobs: %w", err)
	}
	defer rows.Close()

	var result BlobCheckResult
	for rows.Next() {
		result.CheckedBlobs++

		var id int64
		var stored string
		var raw []byte
		if err := rows.Scan(&id, &stored, &raw); err != nil {
			return result, fmt.Errorf("failed to scan blob: %w", err)
		}

		sum := sha256.Sum256(raw)
		computed := hex.EncodeToString(sum[:])
		if computed != stored {
			result.Mismatches = append(result.Mismatches, BlobMismatch{
				BlobID:         id,
				StoredSHA256:   stored,
				ComputedSHA256: computed,
			})
			if len(result.Mismatches) >= maxMismatches {
				break
			}
		}
	}
	return result, rows.Err()
}

// VerifyIntegrity runs the full check: event chain walk, a re-hash of the
// stored blobs (bounded mismatch list), and root-hash comparison against
// the checkpoint embedded in the latest sync_finished event.
func (a *Archive) VerifyIntegrity() (IntegrityStatus, error) {
	var status IntegrityStatus

	chain, err := a.VerifyChain()
	if err != nil {
		return status, err
	}
	status.ChainCheckedEvents = chain.CheckedEvents
	status.ChainFirstMismatchEventID = chain.FirstMismatchEventID
	status.ChainOK = chain.OK()
	if !status.ChainOK {
		status.Issues = append(status.Issues,
			fmt.Sprintf("event hash chain broken at event id %d", *chain.FirstMismatchEventID))
	}

	blobs, err := a.VerifyBlobs(0)
	if err != nil {
		return status, err
	}
	for _, m := range blobs.Mismatches {
		status.Issues = append(status.Issues,
			fmt.Sprintf("message blob %d content does not match its sha256", m.BlobID))
	}

	if err := a.checkRootHash(&status); err != nil {
		return status, err
	}

	status.OK = status.ChainOK && status.RootHashOK && len(blobs.Mismatches) == 0
	return status, nil
}

// VerifyRootHashOnly compares only the blob root hash against the latest
// checkpoint, skipping the chain walk. Used for the cheap per-cycle check.
func (a *Archive) VerifyRootHashOnly() (IntegrityStatus, error) {
	status := IntegrityStatus{ChainOK: true}
	if err := a.checkRootHash(&status); err != nil {
		return status, err
	}
	status.OK = status.RootHashOK
	return status, nil
}

func (a *Archive) checkRootHash(status *IntegrityStatus) error {
	rootHash, err := a.BlobsRootHash()
	if err != nil {
		return err
	}
	status.CurrentRootHash = rootHash

	blobCount, err := a.countRows("message_blobs")
	if err != nil {
		return err
	}
	status.CurrentBlobCount = blobCount

	checkpointHash, checkpointCount, found, err := a.lastSyncCheckpoint()
	if err != nil {
		return err
	}
	if !found {
		// No checkpoint yet; vacuously ok.
		status.RootHashOK = true
		return nil
	}

	status.CheckpointRootHash = checkpointHash
	status.CheckpointBlobCount = &checkpointCount

	switch {
	case checkpointHash != status.CurrentRootHash:
		status.RootHashOK = false
		status.Issues = append(status.Issues,
			fmt.Sprintf("root hash mismatch: checkpoint=%s current=%s", checkpointHash, status.CurrentRootHash))
	case checkpointCount != status.CurrentBlobCount:
		status.RootHashOK = false
		status.Issues = append(status.Issues,
			fmt.Sprintf("blob count mismatch: checkpoint=%d current=%d", checkpointCount, status.CurrentBlobCount))
	default:
		status.RootHashOK = true
	}
	return nil
}

// lastSyncCheckpoint extracts root_hash and blob_count from the most
// recent sync_finished event detail.
func (a *Archive) lastSyncCheckpoint() (string, int64, bool, error) {
	var detail string
	err := a.db.QueryRow(
		"SELECT detail FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1",
		EventKindSyncFinished,
	).Scan(&detail)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to read sync checkpoint: %w", err)
	}

	var parsed struct {
		RootHash  string `json:"root_hash"`
		BlobCount *int64 `json:"blob_count"`
	}
	if err := json.Unmarshal([]byte(detail), &parsed); err != nil || parsed.RootHash == "" || parsed.BlobCount == nil {
		// Old-format event without checkpoint data.
		return "", 0, false, nil
	}
	return parsed.RootHash, *parsed.BlobCount, true, nil
}

// Diagnostic is a truth-extraction snapshot of the database state, used
// to explain exactly what the listing will and will not show.
type Diagnostic struct {
	AccountsCount      int64 `json:"accounts_count"`
	MailboxesCount     int64 `json:"mailboxes_count"`
	BlobsCount         int64 `json:"message_blobs_count"`
	LocationsCount     int64 `json:"message_locations_count"`
	EventsCount        int64 `json:"events_count"`
	ListingResultCount int64 `json:"listing_result_count"`
	OrphanBlobCount    int64 `json:"orphan_blob_count"`
	SchemaVersion      int   `json:"schema_version"`
}

// Diagnose collects row counts and cross-table consistency figures.
func (a *Archive) Diagnose() (Diagnostic, error) {
	var d Diagnostic
	var err error

	for table, dest := range map[string]*int64{
		"accounts":          &d.AccountsCount,
		"mailboxes":         &d.MailboxesCount,
		"message_blobs":     &d.BlobsCount,
		"message_locations": &d.LocationsCount,
		"events":            &d.EventsCount,
	} {
		if *dest, err = a.countRows(table); err != nil {
			return d, err
		}
	}

	if err := a.db.QueryRow(
		`SELECT COUNT(*)
		 FROM message_locations ml
		 JOIN accounts a ON a.id = ml.account_id
		 WHERE ml.gone_from_server_at IS NULL AND a.disabled = 0`,
	).Scan(&d.ListingResultCount); err != nil {
		return d, fmt.Errorf("failed to count listing rows: %w", err)
	}

	if err := a.db.QueryRow(
		`SELECT COUNT(*) FROM message_blobs mb
		 WHERE NOT EXISTS (SELECT 1 FROM message_locations ml WHERE ml.message_blob_id = mb.id)`,
	).Scan(&d.OrphanBlobCount); err != nil {
		return d, fmt.Errorf("failed to count orphan blobs: %w", err)
	}

	d.SchemaVersion, err = a.SchemaVersion()
	return d, err
}
