package archive

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/johannesmutter/amberize/pkg/types"
)

// Recognized event kinds. The set is closed; extending the detail payload
// of an existing kind requires bumping the "v" marker inside the detail.
const (
	EventKindAppStarted             = "app_started"
	EventKindSyncFinished           = "sync_finished"
	EventKindCoverageGap            = "coverage_gap"
	EventKindAccountCreated         = "account_created"
	EventKindAccountRemoved         = "account_removed"
	EventKindMailboxSyncChanged     = "mailbox_sync_changed"
	EventKindEmailArchived          = "email_archived"
	EventKindMessageEMLExported     = "message_eml_exported"
	EventKindAuditorExport          = "auditor_export"
	EventKindDocumentationGenerated = "documentation_generated"
	EventKindIntegrityCheck         = "integrity_check"
	EventKindTamperingDetected      = "tampering_detected"
)

// genesisHash is the well-known prev-hash of the first event.
var genesisHash = strings.Repeat("0", 64)

// EventInput is one record to append to the audit log.
type EventInput struct {
	OccurredAt string
	Kind       string
	AccountID  *int64
	MailboxID  *int64
	BlobID     *int64
	// Detail is canonicalized (sorted keys, no insignificant whitespace)
	// before hashing so the chain is reproducible.
	Detail map[string]any
}

// ChainCheckResult reports the outcome of a full event chain walk.
type ChainCheckResult struct {
	CheckedEvents        int64  `json:"checked_events"`
	FirstMismatchEventID *int64 `json:"first_mismatch_event_id"`
}

// OK reports whether the chain verified end to end.
func (r ChainCheckResult) OK() bool {
	return r.FirstMismatchEventID == nil
}

// AppendEvent atomically computes the hash, inserts the event, and
// returns the stored row.
func (a *Archive) AppendEvent(input EventInput) (*types.Event, error) {
	tx, err := a.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin event append: %w", err)
	}
	defer tx.Rollback()

	id, err := appendEventTx(tx, input)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event append: %w", err)
	}
	return a.GetEvent(id)
}

// appendEventTx inserts an event inside an existing transaction so the
// audit record commits or rolls back together with the mutation that
// triggered it.
func appendEventTx(tx *sql.Tx, input EventInput) (int64, error) {
	if input.OccurredAt == "" {
		input.OccurredAt = nowRFC3339()
	}

	detail, err := canonicalJSON(input.Detail)
	if err != nil {
		return 0, fmt.Errorf("failed to canonicalize event detail: %w", err)
	}

	prevHash := genesisHash
	var lastHash string
	err = tx.QueryRow("SELECT hash FROM events ORDER BY id DESC LIMIT 1").Scan(&lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read chain tail: %w", err)
	default:
		prevHash = lastHash
	}

	hash := computeEventHash(prevHash, input.OccurredAt, input.Kind,
		input.AccountID, input.MailboxID, input.BlobID, detail)

	res, err := tx.Exec(
		`INSERT INTO events (occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		input.OccurredAt, input.Kind, input.AccountID, input.MailboxID, input.BlobID,
		detail, prevHash, hash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	return id, nil
}

// computeEventHash derives the self-hash of an event. The framing is
// newline-separated; absent references contribute an empty field so the
// encoding stays unambiguous.
func computeEventHash(prevHash, occurredAt, kind string, accountID, mailboxID, blobID *int64, detail string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("\n"))
	h.Write([]byte(occurredAt))
	h.Write([]byte("\n"))
	h.Write([]byte(kind))
	h.Write([]byte("\n"))
	for _, ref := range []*int64{accountID, mailboxID, blobID} {
		if ref != nil {
			h.Write([]byte(strconv.FormatInt(*ref, 10)))
		}
		h.Write([]byte("\n"))
	}
	h.Write([]byte(detail))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders v with sorted object keys, no insignificant
// whitespace, and numbers kept exactly as provided. A nil map encodes as
// the empty object.
func canonicalJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// GetEvent returns one event by id.
func (a *Archive) GetEvent(id int64) (*types.Event, error) {
	row := a.db.QueryRow(
		`SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
		 FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var e types.Event
	var accountID, mailboxID, blobID sql.NullInt64
	err := row.Scan(&e.ID, &e.OccurredAt, &e.Kind, &accountID, &mailboxID, &blobID,
		&e.Detail, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if accountID.Valid {
		e.AccountID = &accountID.Int64
	}
	if mailboxID.Valid {
		e.MailboxID = &mailboxID.Int64
	}
	if blobID.Valid {
		e.BlobID = &blobID.Int64
	}
	return &e, nil
}

// VerifyChain recomputes every event hash in order and compares against
// the stored values. The first mismatching event id is reported; the
// chain after that point is not inspected further.
func (a *Archive) VerifyChain() (ChainCheckResult, error) {
	rows, err := a.db.Query(
		`SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
		 FROM events ORDER BY id ASC`)
	if err != nil {
		return ChainCheckResult{}, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	result := ChainCheckResult{}
	previousHash := genesisHash

	for rows.Next() {
		result.CheckedEvents++

		var id int64
		var occurredAt, kind, detail, prevHash, storedHash string
		var accountID, mailboxID, blobID sql.NullInt64
		if err := rows.Scan(&id, &occurredAt, &kind, &accountID, &mailboxID, &blobID,
			&detail, &prevHash, &storedHash); err != nil {
			return result, fmt.Errorf("failed to scan event: %w", err)
		}

		if prevHash != previousHash {
			result.FirstMismatchEventID = &id
			return result, nil
		}

		expected := computeEventHash(prevHash, occurredAt, kind,
			nullableInt(accountID), nullableInt(mailboxID), nullableInt(blobID), detail)
		if expected != storedHash {
			result.FirstMismatchEventID = &id
			return result, nil
		}

		previousHash = storedHash
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("failed to iterate events: %w", err)
	}
	return result, nil
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

// ListEvents returns the most recent events, newest first, optionally
// filtered by kind, along with the total matching count.
func (a *Archive) ListEvents(kindFilter string, limit, offset int) ([]types.Event, int64, error) {
	if limit <= 0 {
		limit = 100
	}

	var total int64
	var rows *sql.Rows
	var err error
	if kindFilter != "" {
		if err := a.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ?", kindFilter).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("failed to count events: %w", err)
		}
		rows, err = a.db.Query(
			`SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
			 FROM events WHERE kind = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
			kindFilter, limit, offset)
	} else {
		if err := a.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("failed to count events: %w", err)
		}
		rows, err = a.db.Query(
			`SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
			 FROM events ORDER BY id DESC LIMIT ? OFFSET ?`,
			limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *e)
	}
	return events, total, rows.Err()
}

// ListAllEvents returns every event in chain order, for export.
func (a *Archive) ListAllEvents() ([]types.Event, error) {
	rows, err := a.db.Query(
		`SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
		 FROM events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// LastEventTimeByKind returns the occurred_at of the newest event with
// the given kind, or "" when none exists.
func (a *Archive) LastEventTimeByKind(kind string) (string, error) {
	var occurredAt string
	err := a.db.QueryRow(
		"SELECT occurred_at FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1", kind,
	).Scan(&occurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last event time: %w", err)
	}
	return occurredAt, nil
}

// SnapshotProof captures the chain tail plus per-table row counts and the
// blob root hash, persists it, and returns the stored snapshot.
func (a *Archive) SnapshotProof() (*types.ProofSnapshot, error) {
	snap := types.ProofSnapshot{CreatedAt: nowRFC3339()}

	var lastID int64
	var lastHash string
	err := a.db.QueryRow("SELECT id, hash FROM events ORDER BY id DESC LIMIT 1").Scan(&lastID, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	default:
		snap.LastEventID = &lastID
		snap.LastEventHash = lastHash
	}

	counts := map[string]*int64{
		"accounts":          &snap.AccountsCount,
		"mailboxes":         &snap.MailboxesCount,
		"message_blobs":     &snap.BlobsCount,
		"message_locations": &snap.LocationsCount,
		"events":            &snap.EventsCount,
	}
	for table, dest := range counts {
		n, err := a.countRows(table)
		if err != nil {
			return nil, err
		}
		*dest = n
	}

	rootHash, err := a.BlobsRootHash()
	if err != nil {
		return nil, err
	}
	snap.BlobsRootHash = rootHash

	res, err := a.db.Exec(
		`INSERT INTO proof_snapshots
		 (created_at, last_event_id, last_event_hash, accounts_count, mailboxes_count,
		  message_blobs_count, message_locations_count, events_count, message_blobs_root_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.CreatedAt, snap.LastEventID, snap.LastEventHash,
		snap.AccountsCount, snap.MailboxesCount, snap.BlobsCount,
		snap.LocationsCount, snap.EventsCount, snap.BlobsRootHash)
	if err != nil {
		return nil, fmt.Errorf("failed to persist proof snapshot: %w", err)
	}
	snap.ID, _ = res.LastInsertId()
	return &snap, nil
}

// AppendSyncFinishedEvent records the end of one account sync run. The
// detail embeds the current blob root hash and count as an integrity
// checkpoint that later quick checks compare against.
func (a *Archive) AppendSyncFinishedEvent(accountID int64, status string, messagesFetched, messagesIngested, messagesGone uint64) error {
	rootHash, err := a.BlobsRootHash()
	if err != nil {
		return err
	}
	blobCount, err := a.countRows("message_blobs")
	if err != nil {
		return err
	}

	_, err = a.AppendEvent(EventInput{
		Kind:      EventKindSyncFinished,
		AccountID: &accountID,
		Detail: map[string]any{
			"v":                 1,
			"status":            status,
			"messages_fetched":  messagesFetched,
			"messages_ingested": messagesIngested,
			"messages_gone":     messagesGone,
			"root_hash":         rootHash,
			"blob_count":        blobCount,
		},
	})
	return err
}

// countRows counts rows of a known table. The table name is matched
// against a closed list; it never comes from user input.
func (a *Archive) countRows(table string) (int64, error) {
	queries := map[string]string{
		"accounts":          "SELECT COUNT(*) FROM accounts",
		"mailboxes":         "SELECT COUNT(*) FROM mailboxes",
		"message_blobs":     "SELECT COUNT(*) FROM message_blobs",
		"message_locations": "SELECT COUNT(*) FROM message_locations",
		"events":            "SELECT COUNT(*) FROM events",
	}
	q, ok := queries[table]
	if !ok {
		return 0, nil
	}
	var n int64
	if err := a.db.QueryRow(q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
