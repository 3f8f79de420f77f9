package archive

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/johannesmutter/amberize/pkg/types"
)

// DefaultSearchLimit caps full-text search results for UI responsiveness.
const DefaultSearchLimit = 50

// ListMessagesOptions filters and paginates the message listing.
type ListMessagesOptions struct {
	AccountID   *int64
	MailboxName string
	Query       string
	Limit       int
	Offset      int
}

// ListMessages returns the paginated listing, date-descending then id.
// A non-empty query joins the FTS index; locations that are gone from the
// server or belong to disabled accounts are hidden from the listing (the
// data itself stays in the archive).
func (a *Archive) ListMessages(opts ListMessagesOptions) ([]types.ListRow, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var mailboxName any
	if opts.MailboxName != "" {
		mailboxName = opts.MailboxName
	}
	var accountID any
	if opts.AccountID != nil {
		accountID = *opts.AccountID
	}

	ftsQuery, hasQuery := buildFTSQuery(opts.Query)

	var rows *sql.Rows
	var err error
	if hasQuery {
		rows, err = a.db.Query(
			`SELECT ml.id, ml.message_blob_id, a.id, a.email_address, m.id, m.imap_name,
			        COALESCE(mb.subject, ''), COALESCE(mb.from_address, ''),
			        COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, ''), mb.imported_at),
			        COALESCE(mb.snippet, '')
			 FROM messages_fts
			 JOIN message_blobs mb ON mb.id = messages_fts.rowid
			 JOIN message_locations ml ON ml.message_blob_id = mb.id
			 JOIN mailboxes m ON m.id = ml.mailbox_id
			 JOIN accounts a ON a.id = ml.account_id
			 WHERE messages_fts MATCH ?
			   AND ml.gone_from_server_at IS NULL
			   AND a.disabled = 0
			   AND (? IS NULL OR m.imap_name = ? COLLATE NOCASE)
			   AND (? IS NULL OR ml.account_id = ?)
			 ORDER BY COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, ''), mb.imported_at) DESC, ml.id DESC
			 LIMIT ? OFFSET ?`,
			ftsQuery, mailboxName, mailboxName, accountID, accountID, limit, opts.Offset)
	} else {
		rows, err = a.db.Query(
			`SELECT ml.id, ml.message_blob_id, a.id, a.email_address, m.id, m.imap_name,
			        COALESCE(mb.subject, ''), COALESCE(mb.from_address, ''),
			        COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, ''), mb.imported_at),
			        COALESCE(mb.snippet, '')
			 FROM message_locations ml
			 JOIN message_blobs mb ON mb.id = ml.message_blob_id
			 JOIN mailboxes m ON m.id = ml.mailbox_id
			 JOIN accounts a ON a.id = ml.account_id
			 WHERE ml.gone_from_server_at IS NULL
			   AND a.disabled = 0
			   AND (? IS NULL OR m.imap_name = ? COLLATE NOCASE)
			   AND (? IS NULL OR ml.account_id = ?)
			 ORDER BY COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, ''), mb.imported_at) DESC, ml.id DESC
			 LIMIT ? OFFSET ?`,
			mailboxName, mailboxName, accountID, accountID, limit, opts.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []types.ListRow
	for rows.Next() {
		var r types.ListRow
		if err := rows.Scan(&r.LocationID, &r.BlobID, &r.AccountID, &r.AccountMail,
			&r.MailboxID, &r.MailboxName, &r.Subject, &r.FromAddress, &r.Date, &r.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// SearchMessages runs an FTS5 MATCH over subject, addresses, and body
// text with BM25 ordering. An empty or all-symbol query falls back to the
// most recent messages.
func (a *Archive) SearchMessages(query string, limit int) ([]types.SearchRow, error) {
	if limit <= 0 || limit > DefaultSearchLimit {
		limit = DefaultSearchLimit
	}

	ftsQuery, ok := buildFTSQuery(query)
	var rows *sql.Rows
	var err error
	if ok {
		rows, err = a.db.Query(
			`SELECT mb.id, COALESCE(mb.subject, ''), COALESCE(mb.from_address, ''),
			        COALESCE(mb.date_header, ''), COALESCE(mb.snippet, '')
			 FROM messages_fts
			 JOIN message_blobs mb ON mb.id = messages_fts.rowid
			 WHERE messages_fts MATCH ?
			 ORDER BY bm25(messages_fts)
			 LIMIT ?`, ftsQuery, limit)
	} else {
		rows, err = a.db.Query(
			`SELECT id, COALESCE(subject, ''), COALESCE(from_address, ''),
			        COALESCE(date_header, ''), COALESCE(snippet, '')
			 FROM message_blobs ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var result []types.SearchRow
	for rows.Next() {
		var r types.SearchRow
		if err := rows.Scan(&r.BlobID, &r.Subject, &r.FromAddress, &r.Date, &r.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// buildFTSQuery normalizes raw user input into a safe FTS5 match
// expression: each whitespace token is stripped to word-ish characters,
// quoted, prefix-starred, and AND-joined. Returns false when no usable
// token remains.
func buildFTSQuery(userQuery string) (string, bool) {
	var tokens []string
	for _, token := range strings.Fields(userQuery) {
		if normalized, ok := normalizeFTSToken(token); ok {
			tokens = append(tokens, normalized)
		}
	}
	if len(tokens) == 0 {
		return "", false
	}
	return strings.Join(tokens, " AND "), true
}

// normalizeFTSToken keeps characters common in email content (letters,
// digits, and @._-+/\:) and quotes the result so FTS5 operators in user
// input cannot change the query structure.
func normalizeFTSToken(token string) (string, bool) {
	var b strings.Builder
	for _, c := range token {
		if unicode.IsLetter(c) || unicode.IsDigit(c) ||
			strings.ContainsRune("@._-+/\\:", c) {
			b.WriteRune(c)
		}
	}
	normalized := strings.TrimFunc(b.String(), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	if normalized == "" {
		return "", false
	}
	escaped := strings.ReplaceAll(normalized, `"`, `""`)
	return `"` + escaped + `"*`, true
}

// RebuildFTS drops and repopulates the full-text index from the blob
// table. The index is semantically a cache; this is the offline admin
// path for recovering it.
func (a *Archive) RebuildFTS() error {
	if _, err := a.db.Exec("INSERT INTO messages_fts(messages_fts) VALUES('rebuild')"); err != nil {
		return fmt.Errorf("failed to rebuild fts index: %w", err)
	}
	return nil
}

// GetArchiveStats returns message count and total raw byte size,
// optionally scoped to one account (counting distinct blobs it references).
func (a *Archive) GetArchiveStats(accountID *int64) (types.ArchiveStats, error) {
	var stats types.ArchiveStats
	var err error
	if accountID != nil {
		err = a.db.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
			 FROM message_blobs
			 WHERE id IN (SELECT DISTINCT message_blob_id FROM message_locations WHERE account_id = ?)`,
			*accountID,
		).Scan(&stats.MessageCount, &stats.ByteSize)
	} else {
		err = a.db.QueryRow(
			"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM message_blobs",
		).Scan(&stats.MessageCount, &stats.ByteSize)
	}
	if err != nil {
		return stats, fmt.Errorf("failed to read archive stats: %w", err)
	}
	return stats, nil
}

// GetArchiveDateRange returns the oldest and newest archived message
// dates, preferring the server-internal date over the Date header.
func (a *Archive) GetArchiveDateRange() (types.ArchiveDateRange, error) {
	var r types.ArchiveDateRange
	var oldest, newest sql.NullString
	err := a.db.QueryRow(
		`SELECT MIN(COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, ''))),
		        MAX(COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, '')))
		 FROM message_locations ml
		 JOIN message_blobs mb ON mb.id = ml.message_blob_id
		 WHERE ml.gone_from_server_at IS NULL`,
	).Scan(&oldest, &newest)
	if err != nil {
		return r, fmt.Errorf("failed to read archive date range: %w", err)
	}
	r.Oldest = oldest.String
	r.Newest = newest.String
	return r, nil
}

// AuditorIndexRow is one line of the auditor export manifest.
type AuditorIndexRow struct {
	AccountID    int64
	AccountLabel string
	MailboxName  string
	UIDValidity  uint32
	UID          uint32
	InternalDate string
	Flags        string
	BlobID       int64
	SHA256       string
	MessageID    string
	DateHeader   string
	FromAddress  string
	ToAddresses  string
	CcAddresses  string
	Subject      string
	ImportedAt   string
}

// ListAuditorIndexRows joins every location with its blob metadata for
// the export manifest, ordered by account, mailbox, epoch, uid.
func (a *Archive) ListAuditorIndexRows() ([]AuditorIndexRow, error) {
	rows, err := a.db.Query(
		`SELECT ml.account_id, acc.label, m.imap_name, ml.uidvalidity, ml.uid,
		        COALESCE(ml.internal_date, ''), COALESCE(ml.flags, ''),
		        mb.id, mb.sha256, COALESCE(mb.message_id, ''), COALESCE(mb.date_header, ''),
		        COALESCE(mb.from_address, ''), COALESCE(mb.to_addresses, ''),
		        COALESCE(mb.cc_addresses, ''), COALESCE(mb.subject, ''), mb.imported_at
		 FROM message_locations ml
		 JOIN message_blobs mb ON mb.id = ml.message_blob_id
		 JOIN mailboxes m ON m.id = ml.mailbox_id
		 JOIN accounts acc ON acc.id = ml.account_id
		 ORDER BY ml.account_id, m.imap_name, ml.uidvalidity, ml.uid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query auditor index: %w", err)
	}
	defer rows.Close()

	var result []AuditorIndexRow
	for rows.Next() {
		var r AuditorIndexRow
		var validity, uid int64
		if err := rows.Scan(&r.AccountID, &r.AccountLabel, &r.MailboxName, &validity, &uid,
			&r.InternalDate, &r.Flags, &r.BlobID, &r.SHA256, &r.MessageID, &r.DateHeader,
			&r.FromAddress, &r.ToAddresses, &r.CcAddresses, &r.Subject, &r.ImportedAt); err != nil {
			return nil, fmt.Errorf("failed to scan auditor index row: %w", err)
		}
		r.UIDValidity = uint32(validity)
		r.UID = uint32(uid)
		result = append(result, r)
	}
	return result, rows.Err()
}
