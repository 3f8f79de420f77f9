package export

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/johannesmutter/amberize/internal/archive"
)

func openTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	arch, err := archive.Open(filepath.Join(t.TempDir(), "export.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })
	return arch
}

func seedMessage(t *testing.T, arch *archive.Archive, subject, body string) int64 {
	t.Helper()
	accountID, err := arch.CreateAccount(archive.CreateAccountInput{
		Label:        "Export",
		EmailAddress: "user@example.org",
		IMAPHost:     "imap.example.org",
		IMAPPort:     993,
		IMAPTLS:      true,
		IMAPUsername: "user@example.org",
		AuthKind:     archive.AuthKindPassword,
		SecretRef:    "account:export",
	})
	require.NoError(t, err)
	mailboxID, err := arch.UpsertMailbox(archive.UpsertMailboxInput{
		AccountID: accountID, Name: "INBOX", SyncEnabled: true,
	})
	require.NoError(t, err)

	raw := []byte("From: sender@example.org\r\nSubject: " + subject + "\r\n\r\n" + body + "\r\n")
	result, err := arch.IngestMessage(raw, archive.IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 100, UID: 1,
	})
	require.NoError(t, err)
	return result.BlobID
}

func TestEMLExportRoundtrip(t *testing.T) {
	arch := openTestArchive(t)
	blobID := seedMessage(t, arch, "Roundtrip", "exact bytes")

	outPath := filepath.Join(t.TempDir(), "out", "message.eml")
	require.NoError(t, WriteMessageEML(arch, blobID, outPath))

	exported, err := os.ReadFile(outPath)
	require.NoError(t, err)

	original, err := arch.GetBlobRaw(blobID)
	require.NoError(t, err)
	require.Equal(t, original.RawMIME, exported)

	sum := sha256.Sum256(exported)
	require.Equal(t, original.SHA256, hex.EncodeToString(sum[:]))

	// Re-ingesting the exported file into a fresh archive yields the
	// identical content hash, and ingesting it twice dedups.
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	fresh, err := archive.Open(filepath.Join(t.TempDir(), "fresh.db"), logger)
	require.NoError(t, err)
	defer fresh.Close()

	accountID, err := fresh.CreateAccount(archive.CreateAccountInput{
		Label: "Fresh", EmailAddress: "u@example.org", IMAPHost: "h", IMAPPort: 993,
		IMAPTLS: true, IMAPUsername: "u", AuthKind: archive.AuthKindPassword, SecretRef: "account:fresh",
	})
	require.NoError(t, err)
	mailboxID, err := fresh.UpsertMailbox(archive.UpsertMailboxInput{
		AccountID: accountID, Name: "INBOX", SyncEnabled: true,
	})
	require.NoError(t, err)

	first, err := fresh.IngestMessage(exported, archive.IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 1, UID: 1,
	})
	require.NoError(t, err)
	require.True(t, first.WasNew)

	second, err := fresh.IngestMessage(exported, archive.IngestLocationInput{
		AccountID: accountID, MailboxID: mailboxID, UIDValidity: 1, UID: 2,
	})
	require.NoError(t, err)
	require.False(t, second.WasNew)
	require.Equal(t, first.BlobID, second.BlobID)

	freshBlob, err := fresh.GetBlobRaw(first.BlobID)
	require.NoError(t, err)
	require.Equal(t, original.SHA256, freshBlob.SHA256)

	// The export left an audit trail.
	_, total, err := arch.ListEvents(archive.EventKindMessageEMLExported, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestEventsCSVHasHeaderAndRows(t *testing.T) {
	arch := openTestArchive(t)
	seedMessage(t, arch, "CSV", "body")

	outPath := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, WriteEventsCSV(arch, outPath))

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, eventsCSVHeader, records[0])
	// account_created plus email_archived at minimum.
	require.GreaterOrEqual(t, len(records), 3)
}

func TestAuditorPackageContents(t *testing.T) {
	arch := openTestArchive(t)
	blobID := seedMessage(t, arch, "Audit me", "bundle body")

	original, err := arch.GetBlobRaw(blobID)
	require.NoError(t, err)

	outPath := filepath.Join(t.TempDir(), "auditor.zip")
	bundle, err := WriteAuditorPackage(arch, outPath)
	require.NoError(t, err)
	require.Equal(t, 1, bundle.MessageCount)
	require.NotNil(t, bundle.ProofSnapshot)

	reader, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer reader.Close()

	names := make(map[string]bool)
	for _, f := range reader.File {
		names[f.Name] = true
	}
	for _, expected := range []string{
		"index.csv",
		"events.jsonl",
		"events.csv",
		"proof_snapshot.json",
		"integrity_report.json",
		"verfahrensdokumentation.md",
		"messages/" + original.SHA256 + ".eml",
	} {
		require.True(t, names[expected], "missing %s in bundle", expected)
	}

	// The manifest references the stored eml by hash path.
	for _, f := range reader.File {
		if f.Name != "index.csv" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		records, err := csv.NewReader(rc).ReadAll()
		rc.Close()
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(records), 2)
		require.True(t, strings.HasSuffix(records[1][len(records[1])-1], original.SHA256+".eml"))
	}

	// The export appended its own audit event.
	_, total, err := arch.ListEvents(archive.EventKindAuditorExport, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}
