package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	arch, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })
	return arch
}

func setupAccountWithInbox(t *testing.T, arch *Archive) (accountID, mailboxID int64) {
	t.Helper()
	accountID, err := arch.CreateAccount(CreateAccountInput{
		Label:        "Test",
		EmailAddress: "user@example.org",
		IMAPHost:     "imap.example.org",
		IMAPPort:     993,
		IMAPTLS:      true,
		IMAPUsername: "user@example.org",
		AuthKind:     AuthKindPassword,
		SecretRef:    "account:test",
	})
	require.NoError(t, err)

	mailboxID, err = arch.UpsertMailbox(UpsertMailboxInput{
		AccountID:   accountID,
		Name:        "INBOX",
		SyncEnabled: true,
	})
	require.NoError(t, err)
	return accountID, mailboxID
}

func testMessage(subject, body string) []byte {
	return []byte("From: sender@example.org\r\n" +
		"To: user@example.org\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2023 10:00:00 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body + "\r\n")
}

func TestOpenCreatesSchema(t *testing.T) {
	arch := openTestArchive(t)

	version, err := arch.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "test.db")

	arch, err := Open(path, logger)
	require.NoError(t, err)
	_, err = arch.DB().Exec(
		"UPDATE schema_meta SET value = '999' WHERE key = 'schema_version'")
	require.NoError(t, err)
	require.NoError(t, arch.Close())

	_, err = Open(path, logger)
	require.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestEventChainHashesAreDeterministic(t *testing.T) {
	detail, err := canonicalJSON(map[string]any{"b": 2, "a": "x"})
	require.NoError(t, err)
	require.Equal(t, `{"a":"x","b":2}`, detail)

	hash1 := computeEventHash(genesisHash, "2023-01-02T10:00:00Z", "app_started", nil, nil, nil, detail)
	hash2 := computeEventHash(genesisHash, "2023-01-02T10:00:00Z", "app_started", nil, nil, nil, detail)
	require.Equal(t, hash1, hash2)
	require.Len(t, hash1, 64)

	// Any input change moves the hash.
	hash3 := computeEventHash(genesisHash, "2023-01-02T10:00:01Z", "app_started", nil, nil, nil, detail)
	require.NotEqual(t, hash1, hash3)
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	detail, err := canonicalJSON(map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": []any{3, "s"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"a":[3,"s"],"z":{"a":2,"b":1}}`, detail)
}

func TestVerifyChainDetectsTamperedDetail(t *testing.T) {
	arch := openTestArchive(t)

	for i := 0; i < 3; i++ {
		_, err := arch.AppendEvent(EventInput{
			Kind:   EventKindAppStarted,
			Detail: map[string]any{"n": i},
		})
		require.NoError(t, err)
	}

	result, err := arch.VerifyChain()
	require.NoError(t, err)
	require.True(t, result.OK())
	require.EqualValues(t, 3, result.CheckedEvents)

	// Edit one event outside the tool.
	_, err = arch.DB().Exec("UPDATE events SET detail = '{\"n\":99}' WHERE id = 2")
	require.NoError(t, err)

	result, err = arch.VerifyChain()
	require.NoError(t, err)
	require.False(t, result.OK())
	require.EqualValues(t, 2, *result.FirstMismatchEventID)
}

func TestVerifyChainDetectsPrevHashBreak(t *testing.T) {
	arch := openTestArchive(t)

	for i := 0; i < 2; i++ {
		_, err := arch.AppendEvent(EventInput{Kind: EventKindAppStarted})
		require.NoError(t, err)
	}

	_, err := arch.DB().Exec("UPDATE events SET prev_hash = ? WHERE id = 2", genesisHash)
	require.NoError(t, err)

	result, err := arch.VerifyChain()
	require.NoError(t, err)
	require.False(t, result.OK())
	require.EqualValues(t, 2, *result.FirstMismatchEventID)
}

func TestIngestMessageIsAtomicAndDeduplicated(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	raw := testMessage("Invoice 1", "please find attached")
	result, err := arch.IngestMessage(raw, IngestLocationInput{
		AccountID:   accountID,
		MailboxID:   mailboxID,
		UIDValidity: 100,
		UID:         1,
	})
	require.NoError(t, err)
	require.True(t, result.WasNew)

	sum := sha256.Sum256(raw)
	detail, err := arch.GetMessageDetail(result.BlobID)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(sum[:]), detail.SHA256)
	require.Equal(t, "Invoice 1", detail.Subject)

	// Same bytes at another coordinate dedup to one blob, two locations.
	archiveBoxID, err := arch.UpsertMailbox(UpsertMailboxInput{
		AccountID: accountID, Name: "Archive", SyncEnabled: true,
	})
	require.NoError(t, err)

	result2, err := arch.IngestMessage(raw, IngestLocationInput{
		AccountID:   accountID,
		MailboxID:   archiveBoxID,
		UIDValidity: 7,
		UID:         9,
	})
	require.NoError(t, err)
	require.False(t, result2.WasNew)
	require.Equal(t, result.BlobID, result2.BlobID)

	var blobCount, locationCount int64
	require.NoError(t, arch.DB().QueryRow("SELECT COUNT(*) FROM message_blobs").Scan(&blobCount))
	require.NoError(t, arch.DB().QueryRow("SELECT COUNT(*) FROM message_locations").Scan(&locationCount))
	require.EqualValues(t, 1, blobCount)
	require.EqualValues(t, 2, locationCount)

	// Exactly one email_archived event despite two ingests.
	_, total, err := arch.ListEvents(EventKindEmailArchived, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestIngestAdvancesCursorMonotonically(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	for _, uid := range []uint32{5, 3, 8} {
		_, err := arch.IngestMessage(testMessage(fmt.Sprintf("m%d", uid), "body"), IngestLocationInput{
			AccountID:   accountID,
			MailboxID:   mailboxID,
			UIDValidity: 100,
			UID:         uid,
		})
		require.NoError(t, err)
	}

	mailbox, err := arch.GetMailbox(mailboxID)
	require.NoError(t, err)
	require.EqualValues(t, 8, mailbox.LastSeenUID)
}

func TestMalformedMessageStoredWithPartialCache(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	raw := []byte("\x00\x01 not a mime message at all")
	result, err := arch.IngestMessage(raw, IngestLocationInput{
		AccountID:   accountID,
		MailboxID:   mailboxID,
		UIDValidity: 100,
		UID:         1,
	})
	require.NoError(t, err)

	blob, err := arch.GetBlobRaw(result.BlobID)
	require.NoError(t, err)
	require.Equal(t, raw, blob.RawMIME)
}

func TestIngestRejectsOversizedMessage(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	raw := make([]byte, DefaultMaxMessageBytes+1)
	_, err := arch.IngestMessage(raw, IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 1, UID: 1,
	})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestResetMailboxCursorRecordsEpochChange(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	_, err := arch.IngestMessage(testMessage("old epoch", "body"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 42,
	})
	require.NoError(t, err)

	require.NoError(t, arch.ResetMailboxCursor(mailboxID, 101))

	mailbox, err := arch.GetMailbox(mailboxID)
	require.NoError(t, err)
	require.EqualValues(t, 0, mailbox.LastSeenUID)
	require.EqualValues(t, 101, *mailbox.UIDValidity)

	// Legacy locations are retained under the previous epoch.
	legacy, err := arch.ListLocations(mailboxID, 100)
	require.NoError(t, err)
	require.Len(t, legacy, 1)

	events, _, err := arch.ListEvents(EventKindMailboxSyncChanged, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Contains(t, events[0].Detail, `"reason":"uidvalidity_reset"`)
}

func TestLocationBlobChangeUpdatesRowAndWarns(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	arch, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	accountID, mailboxID := setupAccountWithInbox(t, arch)

	first, err := arch.IngestMessage(testMessage("original", "old content"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 7,
	})
	require.NoError(t, err)
	hook.Reset()

	// The server hands out different bytes under the same coordinate
	// (UID reassignment). The location follows the new content and the
	// anomaly is logged; the old blob stays archived.
	second, err := arch.IngestMessage(testMessage("replaced", "new content"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 7,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.BlobID, second.BlobID)

	locations, err := arch.ListLocations(mailboxID, 100)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	require.Equal(t, second.BlobID, locations[0].BlobID)

	var blobCount int64
	require.NoError(t, arch.DB().QueryRow("SELECT COUNT(*) FROM message_blobs").Scan(&blobCount))
	require.EqualValues(t, 2, blobCount)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Message location blob changed" {
			warned = true
			require.EqualValues(t, first.BlobID, entry.Data["old_blob_id"])
			require.EqualValues(t, second.BlobID, entry.Data["new_blob_id"])
		}
	}
	require.True(t, warned, "expected a blob-change warning")

	// Re-observing the same blob at the same coordinate warns nothing.
	hook.Reset()
	_, err = arch.IngestMessage(testMessage("replaced", "new content"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 7,
	})
	require.NoError(t, err)
	for _, entry := range hook.AllEntries() {
		require.NotEqual(t, "Message location blob changed", entry.Message)
	}
}

func TestMarkGoneTouchesOnlyAbsentLocations(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	for uid := uint32(1); uid <= 3; uid++ {
		_, err := arch.IngestMessage(testMessage(fmt.Sprintf("m%d", uid), "body"), IngestLocationInput{
			AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: uid,
		})
		require.NoError(t, err)
	}

	marked, err := arch.MarkGone(mailboxID, 100, []uint32{1, 3})
	require.NoError(t, err)
	require.EqualValues(t, 1, marked)

	locations, err := arch.ListLocations(mailboxID, 100)
	require.NoError(t, err)
	for _, loc := range locations {
		if loc.UID == 2 {
			require.NotEmpty(t, loc.GoneFromServerAt)
		} else {
			require.Empty(t, loc.GoneFromServerAt)
		}
	}

	// A second pass with the same present set marks nothing new.
	marked, err = arch.MarkGone(mailboxID, 100, []uint32{1, 3})
	require.NoError(t, err)
	require.EqualValues(t, 0, marked)
}

func TestSearchMessagesUsesFTS(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	_, err := arch.IngestMessage(testMessage("Quarterly report", "the quarterly numbers are attached"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)
	_, err = arch.IngestMessage(testMessage("Lunch plans", "pizza on friday"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 2,
	})
	require.NoError(t, err)

	rows, err := arch.SearchMessages("quarterly", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Quarterly report", rows[0].Subject)
}

func TestBuildFTSQueryNormalizesTokens(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"hello world", `"hello"* AND "world"*`, true},
		{"user@example.org", `"user@example.org"*`, true},
		{`a OR "b`, `"a"* AND "b"*`, true},
		{"!!! ???", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := buildFTSQuery(tt.input)
		require.Equal(t, tt.ok, ok, "input %q", tt.input)
		require.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestListMessagesFiltersAndPaginates(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	for uid := uint32(1); uid <= 5; uid++ {
		_, err := arch.IngestMessage(testMessage(fmt.Sprintf("msg %d", uid), "body text"), IngestLocationInput{
			AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: uid,
		})
		require.NoError(t, err)
	}

	rows, err := arch.ListMessages(ListMessagesOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows, err = arch.ListMessages(ListMessagesOptions{MailboxName: "inbox", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 5)

	rows, err = arch.ListMessages(ListMessagesOptions{MailboxName: "Archive", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, rows)

	// Disabled accounts disappear from the listing.
	require.NoError(t, arch.SetAccountDisabled(accountID, true))
	rows, err = arch.ListMessages(ListMessagesOptions{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestProofSnapshotCapturesTailAndCounts(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	_, err := arch.IngestMessage(testMessage("one", "body"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)

	snap, err := arch.SnapshotProof()
	require.NoError(t, err)
	require.NotNil(t, snap.LastEventID)
	require.EqualValues(t, 1, snap.BlobsCount)
	require.EqualValues(t, 1, snap.AccountsCount)
	require.Len(t, snap.BlobsRootHash, 64)

	tail, err := arch.GetEvent(*snap.LastEventID)
	require.NoError(t, err)
	require.Equal(t, tail.Hash, snap.LastEventHash)

	// The root hash is deterministic for the same content.
	snap2, err := arch.SnapshotProof()
	require.NoError(t, err)
	require.Equal(t, snap.BlobsRootHash, snap2.BlobsRootHash)
}

func TestVerifyIntegrityDetectsBlobTamper(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	_, err := arch.IngestMessage(testMessage("precious", "unaltered"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)
	require.NoError(t, arch.AppendSyncFinishedEvent(accountID, "ok", 1, 1, 0))

	status, err := arch.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, status.OK)

	// Overwrite the raw blob bytes outside the tool.
	_, err = arch.DB().Exec("UPDATE message_blobs SET raw_mime = X'00' WHERE id = 1")
	require.NoError(t, err)

	blobs, err := arch.VerifyBlobs(10)
	require.NoError(t, err)
	require.Len(t, blobs.Mismatches, 1)

	status, err = arch.VerifyRootHashOnly()
	require.NoError(t, err)
	// The sha256 column is unchanged, so the root hash still matches;
	// blob verification is what catches byte-level edits.
	require.True(t, status.RootHashOK)
}

func TestVerifyIntegrityDetectsRootHashDrift(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	_, err := arch.IngestMessage(testMessage("first", "body"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)
	require.NoError(t, arch.AppendSyncFinishedEvent(accountID, "ok", 1, 1, 0))

	// Replacing the stored hash key shifts the root hash away from the
	// checkpoint.
	_, err = arch.DB().Exec("UPDATE message_blobs SET sha256 = ? WHERE id = 1",
		"00000000000000000000000000000000000000000000000000000000deadbeef")
	require.NoError(t, err)

	status, err := arch.VerifyRootHashOnly()
	require.NoError(t, err)
	require.False(t, status.OK)
	require.NotEmpty(t, status.Issues)
}

func TestDeleteTriggersProtectBlobsAndEvents(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	_, err := arch.IngestMessage(testMessage("keep me", "body"), IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)

	_, err = arch.DB().Exec("DELETE FROM message_blobs")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not permitted")

	_, err = arch.DB().Exec("DELETE FROM events")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not permitted")
}

func TestHeartbeatRoundtrip(t *testing.T) {
	arch := openTestArchive(t)

	hb, err := arch.LastHeartbeat()
	require.NoError(t, err)
	require.Empty(t, hb)

	require.NoError(t, arch.SetHeartbeat("2023-06-01T12:00:00Z"))
	hb, err = arch.LastHeartbeat()
	require.NoError(t, err)
	require.Equal(t, "2023-06-01T12:00:00Z", hb)
}

func TestArchiveStatsAndDateRange(t *testing.T) {
	arch := openTestArchive(t)
	accountID, mailboxID := setupAccountWithInbox(t, arch)

	raw := testMessage("stats", "body")
	_, err := arch.IngestMessage(raw, IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)

	stats, err := arch.GetArchiveStats(nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.MessageCount)
	require.EqualValues(t, len(raw), stats.ByteSize)

	dateRange, err := arch.GetArchiveDateRange()
	require.NoError(t, err)
	require.Equal(t, "2023-01-02T10:00:00Z", dateRange.Oldest)
	require.Equal(t, dateRange.Oldest, dateRange.Newest)
}

func TestGoBDRecommendedNames(t *testing.T) {
	require.True(t, IsGoBDRecommended("INBOX"))
	require.True(t, IsGoBDRecommended("Sent"))
	require.True(t, IsGoBDRecommended("Gesendet"))
	require.False(t, IsGoBDRecommended("Drafts"))
	require.False(t, IsGoBDRecommended("Trash"))
}
