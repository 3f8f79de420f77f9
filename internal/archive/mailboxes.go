package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/johannesmutter/amberize/pkg/types"
)

// UpsertMailboxInput describes a mailbox observed on the server.
type UpsertMailboxInput struct {
	AccountID    int64
	Name         string
	Delimiter    string
	Attributes   string
	SyncEnabled  bool
	HardExcluded bool
}

// MailboxRow mirrors one mailboxes row.
type MailboxRow struct {
	ID              int64
	AccountID       int64
	Name            string
	Delimiter       string
	Attributes      string
	SyncEnabled     bool
	HardExcluded    bool
	GoBDRecommended bool
	UIDValidity     *uint32
	LastSeenUID     uint32
	LastSyncAt      string
	LastError       string
}

// UpsertMailbox inserts a newly discovered mailbox or refreshes the
// server-derived attributes of an existing one. User-driven enablement is
// preserved on conflict; the cursor is never touched here.
func (a *Archive) UpsertMailbox(input UpsertMailboxInput) (int64, error) {
	now := nowRFC3339()
	_, err := a.db.Exec(
		`INSERT INTO mailboxes
		 (account_id, imap_name, delimiter, attributes, sync_enabled, hard_excluded,
		  gobd_recommended, uidvalidity, last_seen_uid, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)
		 ON CONFLICT(account_id, imap_name) DO UPDATE SET
		   delimiter = excluded.delimiter,
		   attributes = excluded.attributes,
		   hard_excluded = excluded.hard_excluded,
		   updated_at = excluded.updated_at`,
		input.AccountID, input.Name, input.Delimiter, input.Attributes,
		boolToInt(input.SyncEnabled), boolToInt(input.HardExcluded),
		boolToInt(IsGoBDRecommended(input.Name)), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert mailbox: %w", err)
	}

	var id int64
	err = a.db.QueryRow(
		"SELECT id FROM mailboxes WHERE account_id = ? AND imap_name = ?",
		input.AccountID, input.Name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve mailbox id: %w", err)
	}
	return id, nil
}

// IsGoBDRecommended reports whether a mailbox name is one that German
// retention guidance expects to be archived (inbox and sent variants).
func IsGoBDRecommended(name string) bool {
	lower := strings.ToLower(name)
	switch lower {
	case "inbox", "sent", "sent messages", "sent items", "gesendet", "gesendete objekte":
		return true
	}
	return strings.HasPrefix(lower, "[gmail]/sent")
}

// SetMailboxSyncEnabled toggles archiving for one mailbox and records the
// change in the audit log.
func (a *Archive) SetMailboxSyncEnabled(mailboxID int64, enabled bool) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mailbox update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE mailboxes SET sync_enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), nowRFC3339(), mailboxID,
	); err != nil {
		return fmt.Errorf("failed to update mailbox: %w", err)
	}

	if _, err := appendEventTx(tx, EventInput{
		Kind:      EventKindMailboxSyncChanged,
		MailboxID: &mailboxID,
		Detail:    map[string]any{"v": 1, "reason": "user_toggle", "sync_enabled": enabled},
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mailbox update: %w", err)
	}
	return nil
}

// ListMailboxes returns all mailboxes of an account ordered by name.
func (a *Archive) ListMailboxes(accountID int64) ([]MailboxRow, error) {
	rows, err := a.db.Query(
		`SELECT id, account_id, imap_name, COALESCE(delimiter, ''), COALESCE(attributes, ''),
		        sync_enabled, hard_excluded, gobd_recommended, uidvalidity, last_seen_uid,
		        COALESCE(last_sync_at, ''), COALESCE(last_error, '')
		 FROM mailboxes WHERE account_id = ? ORDER BY imap_name ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []MailboxRow
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, *m)
	}
	return mailboxes, rows.Err()
}

// GetMailbox returns one mailbox row, or nil when it does not exist.
func (a *Archive) GetMailbox(mailboxID int64) (*MailboxRow, error) {
	row := a.db.QueryRow(
		`SELECT id, account_id, imap_name, COALESCE(delimiter, ''), COALESCE(attributes, ''),
		        sync_enabled, hard_excluded, gobd_recommended, uidvalidity, last_seen_uid,
		        COALESCE(last_sync_at, ''), COALESCE(last_error, '')
		 FROM mailboxes WHERE id = ?`, mailboxID)
	m, err := scanMailbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanMailbox(row rowScanner) (*MailboxRow, error) {
	var m MailboxRow
	var syncInt, hardInt, gobdInt int
	var uidvalidity sql.NullInt64
	var lastSeen int64
	err := row.Scan(&m.ID, &m.AccountID, &m.Name, &m.Delimiter, &m.Attributes,
		&syncInt, &hardInt, &gobdInt, &uidvalidity, &lastSeen,
		&m.LastSyncAt, &m.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mailbox: %w", err)
	}
	m.SyncEnabled = syncInt != 0
	m.HardExcluded = hardInt != 0
	m.GoBDRecommended = gobdInt != 0
	if uidvalidity.Valid {
		v := uint32(uidvalidity.Int64)
		m.UIDValidity = &v
	}
	m.LastSeenUID = uint32(lastSeen)
	return &m, nil
}

// UpdateMailboxCursor persists sync position and outcome for one mailbox.
// lastError is cleared on success by passing the empty string.
func (a *Archive) UpdateMailboxCursor(mailboxID int64, uidvalidity *uint32, lastSeenUID uint32, lastSyncAt, lastError string) error {
	var validity any
	if uidvalidity != nil {
		validity = int64(*uidvalidity)
	}
	_, err := a.db.Exec(
		`UPDATE mailboxes
		 SET uidvalidity = ?, last_seen_uid = ?, last_sync_at = NULLIF(?, ''),
		     last_error = NULLIF(?, ''), updated_at = ?
		 WHERE id = ?`,
		validity, int64(lastSeenUID), lastSyncAt, lastError, nowRFC3339(), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to update mailbox cursor: %w", err)
	}
	return nil
}

// ResetMailboxCursor records a validity-epoch change: the cursor drops to
// zero under the new epoch and a mailbox_sync_changed event documents the
// reset. Historical locations keep the previous epoch.
func (a *Archive) ResetMailboxCursor(mailboxID int64, newUIDValidity uint32) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cursor reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE mailboxes SET uidvalidity = ?, last_seen_uid = 0, updated_at = ? WHERE id = ?",
		int64(newUIDValidity), nowRFC3339(), mailboxID,
	); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	if _, err := appendEventTx(tx, EventInput{
		Kind:      EventKindMailboxSyncChanged,
		MailboxID: &mailboxID,
		Detail: map[string]any{
			"v":           1,
			"reason":      "uidvalidity_reset",
			"uidvalidity": newUIDValidity,
		},
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor reset: %w", err)
	}
	return nil
}

// ResetAllMailboxCursors clears cursor state for every mailbox of an
// account, forcing a full rescan on the next sync. Blobs and locations
// stay untouched.
func (a *Archive) ResetAllMailboxCursors(accountID int64) (int64, error) {
	res, err := a.db.Exec(
		`UPDATE mailboxes SET uidvalidity = NULL, last_seen_uid = 0, last_sync_at = NULL,
		        last_error = NULL, updated_at = ? WHERE account_id = ?`,
		nowRFC3339(), accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset mailbox cursors: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ToType converts a row into the shell-facing mailbox DTO.
func (m MailboxRow) ToType() types.Mailbox {
	return types.Mailbox{
		ID:              m.ID,
		AccountID:       m.AccountID,
		Name:            m.Name,
		SyncEnabled:     m.SyncEnabled,
		HardExcluded:    m.HardExcluded,
		GoBDRecommended: m.GoBDRecommended,
		UIDValidity:     m.UIDValidity,
		LastSeenUID:     m.LastSeenUID,
		LastSyncAt:      m.LastSyncAt,
		LastError:       m.LastError,
	}
}
