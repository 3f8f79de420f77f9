package archive

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/johannesmutter/amberize/internal/mailparse"
	"github.com/johannesmutter/amberize/pkg/types"
)

// DefaultMaxMessageBytes is the hard cap on a single raw message.
const DefaultMaxMessageBytes = 100 * 1024 * 1024

// ErrMessageTooLarge is returned when a message exceeds DefaultMaxMessageBytes.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// IngestLocationInput places a blob at an (account, mailbox, epoch, uid)
// coordinate.
type IngestLocationInput struct {
	AccountID    int64
	MailboxID    int64
	UIDValidity  uint32
	UID          uint32
	InternalDate string
	Flags        string
}

// IngestResult reports the outcome of one message ingest.
type IngestResult struct {
	BlobID int64
	WasNew bool
	// Partial is set when the MIME envelope could not be framed; the raw
	// bytes were stored regardless and the cache row is marked partial.
	Partial bool
}

// IngestMessage stores one raw message and its location atomically:
// blob insert (deduplicated by SHA-256), location upsert, cursor advance,
// and, for genuinely new blobs, an email_archived event all commit in a
// single transaction. The raw bytes are hashed exactly as received and
// are never modified afterwards.
func (a *Archive) IngestMessage(raw []byte, loc IngestLocationInput) (*IngestResult, error) {
	if int64(len(raw)) > DefaultMaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(raw))
	}

	sum := sha256.Sum256(raw)
	shaHex := hex.EncodeToString(sum[:])

	parsed := mailparse.Parse(raw)
	attachmentsJSON, err := json.Marshal(parsed.Attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	now := nowRFC3339()

	tx, err := a.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin ingest: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO message_blobs
		 (sha256, size_bytes, raw_mime, message_id, subject, from_address, to_addresses,
		  cc_addresses, date_header, body_text, body_html, attachments_json, snippet,
		  parse_partial, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		shaHex, len(raw), raw, parsed.MessageID, parsed.Subject, parsed.FromAddress,
		parsed.ToAddresses, parsed.CcAddresses, parsed.DateHeader, parsed.BodyText,
		parsed.BodyHTML, string(attachmentsJSON), parsed.Snippet,
		boolToInt(parsed.Partial), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert blob: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	wasNew := affected > 0

	var blobID int64
	if err := tx.QueryRow("SELECT id FROM message_blobs WHERE sha256 = ?", shaHex).Scan(&blobID); err != nil {
		return nil, fmt.Errorf("failed to resolve blob id: %w", err)
	}

	if err := a.upsertLocationTx(tx, blobID, loc, now); err != nil {
		return nil, err
	}

	// Cursor never advances past a UID whose blob is not durably written;
	// sharing the transaction with the blob and location makes that hold.
	if _, err := tx.Exec(
		`UPDATE mailboxes
		 SET last_seen_uid = CASE WHEN last_seen_uid < ? THEN ? ELSE last_seen_uid END,
		     updated_at = ?
		 WHERE id = ?`,
		int64(loc.UID), int64(loc.UID), now, loc.MailboxID,
	); err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if wasNew {
		if _, err := appendEventTx(tx, EventInput{
			Kind:      EventKindEmailArchived,
			AccountID: &loc.AccountID,
			MailboxID: &loc.MailboxID,
			BlobID:    &blobID,
			Detail:    map[string]any{"sha256": shaHex},
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ingest: %w", err)
	}

	return &IngestResult{BlobID: blobID, WasNew: wasNew, Partial: parsed.Partial}, nil
}

// BlobRaw is the raw byte view of one blob.
type BlobRaw struct {
	ID      int64
	SHA256  string
	RawMIME []byte
}

// GetBlobRaw returns the exact stored octets of one message.
func (a *Archive) GetBlobRaw(blobID int64) (*BlobRaw, error) {
	var b BlobRaw
	err := a.db.QueryRow(
		"SELECT id, sha256, raw_mime FROM message_blobs WHERE id = ?", blobID,
	).Scan(&b.ID, &b.SHA256, &b.RawMIME)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob not found: %d", blobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return &b, nil
}

// ListBlobIDs returns (id, sha256) for every blob, ordered by id, for
// export and verification passes.
func (a *Archive) ListBlobIDs() ([]BlobRaw, error) {
	rows, err := a.db.Query("SELECT id, sha256 FROM message_blobs ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query blobs: %w", err)
	}
	defer rows.Close()

	var blobs []BlobRaw
	for rows.Next() {
		var b BlobRaw
		if err := rows.Scan(&b.ID, &b.SHA256); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// GetMessageDetail returns the full parsed view of one archived message.
// The HTML body was sanitized at ingest; no further processing happens
// here.
func (a *Archive) GetMessageDetail(blobID int64) (*types.MessageDetail, error) {
	var d types.MessageDetail
	var attachmentsJSON string
	var partialInt int
	err := a.db.QueryRow(
		`SELECT id, sha256, size_bytes, COALESCE(message_id, ''), COALESCE(subject, ''),
		        COALESCE(from_address, ''), COALESCE(to_addresses, ''), COALESCE(cc_addresses, ''),
		        COALESCE(date_header, ''), COALESCE(body_text, ''), COALESCE(body_html, ''),
		        COALESCE(attachments_json, '[]'), parse_partial, imported_at
		 FROM message_blobs WHERE id = ?`, blobID,
	).Scan(&d.BlobID, &d.SHA256, &d.SizeBytes, &d.MessageID, &d.Subject,
		&d.FromAddress, &d.ToAddresses, &d.CcAddresses, &d.DateHeader,
		&d.BodyText, &d.BodyHTML, &attachmentsJSON, &partialInt, &d.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message not found: %d", blobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message detail: %w", err)
	}
	d.ParsePartial = partialInt != 0
	if err := json.Unmarshal([]byte(attachmentsJSON), &d.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	return &d, nil
}

// RebuildParsedCache re-derives the parsed metadata columns of every blob
// from the stored raw bytes. Offline admin operation; the raw bytes and
// the FTS content stay consistent because the FTS index is rebuilt after.
func (a *Archive) RebuildParsedCache() (int64, error) {
	blobs, err := a.ListBlobIDs()
	if err != nil {
		return 0, err
	}

	var rebuilt int64
	for _, b := range blobs {
		raw, err := a.GetBlobRaw(b.ID)
		if err != nil {
			return rebuilt, err
		}
		parsed := mailparse.Parse(raw.RawMIME)
		attachmentsJSON, err := json.Marshal(parsed.Attachments)
		if err != nil {
			return rebuilt, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		if _, err := a.db.Exec(
			`UPDATE message_blobs
			 SET message_id = ?, subject = ?, from_address = ?, to_addresses = ?,
			     cc_addresses = ?, date_header = ?, body_text = ?, body_html = ?,
			     attachments_json = ?, snippet = ?, parse_partial = ?
			 WHERE id = ?`,
			parsed.MessageID, parsed.Subject, parsed.FromAddress, parsed.ToAddresses,
			parsed.CcAddresses, parsed.DateHeader, parsed.BodyText, parsed.BodyHTML,
			string(attachmentsJSON), parsed.Snippet, boolToInt(parsed.Partial), b.ID,
		); err != nil {
			return rebuilt, fmt.Errorf("failed to update parsed cache: %w", err)
		}
		rebuilt++
	}

	if err := a.RebuildFTS(); err != nil {
		return rebuilt, err
	}
	return rebuilt, nil
}
