package archive

// schemaV1 creates the initial archive layout: accounts, mailboxes, the
// content-addressed blob table, the location index, the hash-chained event
// log, proof snapshots, and the FTS5 index over parsed blob metadata.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    label TEXT NOT NULL,
    email_address TEXT NOT NULL,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL,
    imap_tls INTEGER NOT NULL DEFAULT 1,
    imap_username TEXT NOT NULL,
    auth_kind TEXT NOT NULL,
    oauth_provider TEXT,
    secret_ref TEXT NOT NULL,
    disabled INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    imap_name TEXT NOT NULL,
    delimiter TEXT,
    attributes TEXT,
    sync_enabled INTEGER NOT NULL DEFAULT 1,
    hard_excluded INTEGER NOT NULL DEFAULT 0,
    gobd_recommended INTEGER NOT NULL DEFAULT 0,
    uidvalidity INTEGER,
    last_seen_uid INTEGER NOT NULL DEFAULT 0,
    last_sync_at TEXT,
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(account_id, imap_name),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS message_blobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sha256 TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL,
    raw_mime BLOB NOT NULL,
    message_id TEXT,
    subject TEXT,
    from_address TEXT,
    to_addresses TEXT,
    cc_addresses TEXT,
    date_header TEXT,
    body_text TEXT,
    body_html TEXT,
    attachments_json TEXT,
    snippet TEXT,
    parse_partial INTEGER NOT NULL DEFAULT 0,
    imported_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_locations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_blob_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    mailbox_id INTEGER NOT NULL,
    uidvalidity INTEGER NOT NULL,
    uid INTEGER NOT NULL,
    internal_date TEXT,
    flags TEXT,
    first_seen_at TEXT NOT NULL,
    last_seen_at TEXT NOT NULL,
    gone_from_server_at TEXT,
    UNIQUE(mailbox_id, uidvalidity, uid),
    FOREIGN KEY (message_blob_id) REFERENCES message_blobs(id),
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    occurred_at TEXT NOT NULL,
    kind TEXT NOT NULL,
    account_id INTEGER,
    mailbox_id INTEGER,
    message_blob_id INTEGER,
    detail TEXT NOT NULL DEFAULT '{}',
    prev_hash TEXT NOT NULL,
    hash TEXT NOT NULL UNIQUE,
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id),
    FOREIGN KEY (message_blob_id) REFERENCES message_blobs(id)
);

CREATE TABLE IF NOT EXISTS proof_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TEXT NOT NULL,
    last_event_id INTEGER,
    last_event_hash TEXT,
    accounts_count INTEGER NOT NULL,
    mailboxes_count INTEGER NOT NULL,
    message_blobs_count INTEGER NOT NULL,
    message_locations_count INTEGER NOT NULL,
    events_count INTEGER NOT NULL,
    message_blobs_root_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locations_account ON message_locations(account_id);
CREATE INDEX IF NOT EXISTS idx_locations_mailbox ON message_locations(mailbox_id);
CREATE INDEX IF NOT EXISTS idx_locations_blob ON message_locations(message_blob_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    body_text,
    from_address,
    to_addresses,
    cc_addresses,
    content='message_blobs',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS message_blobs_ai AFTER INSERT ON message_blobs BEGIN
    INSERT INTO messages_fts(rowid, subject, body_text, from_address, to_addresses, cc_addresses)
    VALUES (new.id, new.subject, new.body_text, new.from_address, new.to_addresses, new.cc_addresses);
END;
`

// schemaV2 adds BEFORE DELETE guards on the blob table and the event log.
// They can be bypassed by first dropping the trigger, but that raises the
// bar beyond a plain DELETE and the next integrity check still notices the
// missing rows.
const schemaV2 = `
CREATE TRIGGER IF NOT EXISTS prevent_delete_message_blobs
BEFORE DELETE ON message_blobs
BEGIN
    SELECT RAISE(ABORT, 'deleting archived message blobs is not permitted');
END;

CREATE TRIGGER IF NOT EXISTS prevent_delete_events
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'deleting audit log events is not permitted');
END;
`
