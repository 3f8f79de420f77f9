package archive

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// upsertLocationTx records a blob placement inside an ongoing transaction.
// A re-observed coordinate refreshes last_seen_at and clears any earlier
// gone marker. A coordinate suddenly pointing at different content is
// logged as a warning (UID reassignment or server-side corruption, both
// rare); the new blob id wins, the previous blob stays in the archive.
func (a *Archive) upsertLocationTx(tx *sql.Tx, blobID int64, loc IngestLocationInput, now string) error {
	var existingBlobID sql.NullInt64
	err := tx.QueryRow(
		"SELECT message_blob_id FROM message_locations WHERE mailbox_id = ? AND uidvalidity = ? AND uid = ?",
		loc.MailboxID, int64(loc.UIDValidity), int64(loc.UID),
	).Scan(&existingBlobID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing location: %w", err)
	}
	if existingBlobID.Valid && existingBlobID.Int64 != blobID {
		a.logger.WithFields(logrus.Fields{
			"mailbox_id":  loc.MailboxID,
			"uidvalidity": loc.UIDValidity,
			"uid":         loc.UID,
			"old_blob_id": existingBlobID.Int64,
			"new_blob_id": blobID,
		}).Warn("Message location blob changed")
	}

	_, err = tx.Exec(
		`INSERT INTO message_locations
		 (message_blob_id, account_id, mailbox_id, uidvalidity, uid, internal_date, flags,
		  first_seen_at, last_seen_at, gone_from_server_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULL)
		 ON CONFLICT(mailbox_id, uidvalidity, uid) DO UPDATE SET
		   message_blob_id = excluded.message_blob_id,
		   internal_date = excluded.internal_date,
		   flags = excluded.flags,
		   last_seen_at = excluded.last_seen_at,
		   gone_from_server_at = NULL`,
		blobID, loc.AccountID, loc.MailboxID, int64(loc.UIDValidity), int64(loc.UID),
		loc.InternalDate, loc.Flags, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert location: %w", err)
	}
	return nil
}

// LocationRow mirrors one message_locations row.
type LocationRow struct {
	ID               int64
	BlobID           int64
	AccountID        int64
	MailboxID        int64
	UIDValidity      uint32
	UID              uint32
	InternalDate     string
	Flags            string
	FirstSeenAt      string
	LastSeenAt       string
	GoneFromServerAt string
}

// ListLocations returns all locations of a mailbox under one validity
// epoch, ordered by UID.
func (a *Archive) ListLocations(mailboxID int64, uidvalidity uint32) ([]LocationRow, error) {
	rows, err := a.db.Query(
		`SELECT id, message_blob_id, account_id, mailbox_id, uidvalidity, uid,
		        COALESCE(internal_date, ''), COALESCE(flags, ''), first_seen_at, last_seen_at,
		        COALESCE(gone_from_server_at, '')
		 FROM message_locations
		 WHERE mailbox_id = ? AND uidvalidity = ?
		 ORDER BY uid ASC`,
		mailboxID, int64(uidvalidity))
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locations []LocationRow
	for rows.Next() {
		var l LocationRow
		var validity, uid int64
		if err := rows.Scan(&l.ID, &l.BlobID, &l.AccountID, &l.MailboxID, &validity, &uid,
			&l.InternalDate, &l.Flags, &l.FirstSeenAt, &l.LastSeenAt, &l.GoneFromServerAt); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		l.UIDValidity = uint32(validity)
		l.UID = uint32(uid)
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// MarkGone stamps gone_from_server_at on every location of the mailbox
// and epoch whose UID is absent from presentUIDs. Blobs are untouched;
// the location row stays as evidence of where the message used to live.
// Returns the number of locations newly marked.
func (a *Archive) MarkGone(mailboxID int64, uidvalidity uint32, presentUIDs []uint32) (int64, error) {
	query := `UPDATE message_locations
	          SET gone_from_server_at = ?
	          WHERE mailbox_id = ? AND uidvalidity = ? AND gone_from_server_at IS NULL`
	args := []any{nowRFC3339(), mailboxID, int64(uidvalidity)}

	if len(presentUIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(presentUIDs)), ",")
		query += " AND uid NOT IN (" + placeholders + ")"
		for _, uid := range presentUIDs {
			args = append(args, int64(uid))
		}
	}

	res, err := a.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark locations gone: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
