package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/internal/docs"
	"github.com/johannesmutter/amberize/pkg/types"
)

// integrityMaxMismatches bounds the blob re-hash report inside the
// auditor bundle.
const integrityMaxMismatches = 100

// AuditorBundle lists what went into one export.
type AuditorBundle struct {
	ZipPath       string               `json:"zip_path"`
	MessageCount  int                  `json:"message_count"`
	ProofSnapshot *types.ProofSnapshot `json:"proof_snapshot"`
}

type integrityReport struct {
	CreatedAt    string                   `json:"created_at"`
	EventChain   archive.ChainCheckResult `json:"event_chain"`
	MessageBlobs archive.BlobCheckResult  `json:"message_blobs"`
}

// WriteAuditorPackage assembles the auditor ZIP: every raw message as
// messages/<sha256>.eml (stored once per content hash), the index.csv
// manifest, the event log as events.jsonl and events.csv, a fresh proof
// snapshot, an integrity report, and the procedural documentation. A
// fresh ProofSnapshot is taken and an auditor_export event appended
// before the bundle is final.
func WriteAuditorPackage(arch *archive.Archive, outputZipPath string) (*AuditorBundle, error) {
	if err := os.MkdirAll(filepath.Dir(outputZipPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	documentation, err := docs.EnsureDocumentation(arch)
	if err != nil {
		return nil, err
	}

	snapshot, err := arch.SnapshotProof()
	if err != nil {
		return nil, err
	}
	chainResult, err := arch.VerifyChain()
	if err != nil {
		return nil, err
	}
	blobResult, err := arch.VerifyBlobs(integrityMaxMismatches)
	if err != nil {
		return nil, err
	}

	if _, err := arch.AppendEvent(archive.EventInput{
		Kind:   archive.EventKindAuditorExport,
		Detail: map[string]any{"v": 1, "message_count": snapshot.BlobsCount},
	}); err != nil {
		return nil, err
	}

	indexRows, err := arch.ListAuditorIndexRows()
	if err != nil {
		return nil, err
	}
	events, err := arch.ListAllEvents()
	if err != nil {
		return nil, err
	}

	report := integrityReport{
		CreatedAt:    snapshot.CreatedAt,
		EventChain:   chainResult,
		MessageBlobs: blobResult,
	}

	f, err := os.Create(outputZipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create zip file: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	indexCSV, err := buildIndexCSV(indexRows)
	if err != nil {
		return nil, err
	}
	if err := writeZipBytes(zw, "index.csv", indexCSV); err != nil {
		return nil, err
	}

	eventsJSONL, err := buildEventsJSONL(events)
	if err != nil {
		return nil, err
	}
	if err := writeZipBytes(zw, "events.jsonl", eventsJSONL); err != nil {
		return nil, err
	}

	var eventsCSV bytes.Buffer
	cw := csv.NewWriter(&eventsCSV)
	if err := writeEventRows(cw, events); err != nil {
		return nil, err
	}
	cw.Flush()
	if err := writeZipBytes(zw, "events.csv", eventsCSV.Bytes()); err != nil {
		return nil, err
	}

	snapshotJSON, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode proof snapshot: %w", err)
	}
	if err := writeZipBytes(zw, "proof_snapshot.json", snapshotJSON); err != nil {
		return nil, err
	}

	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode integrity report: %w", err)
	}
	if err := writeZipBytes(zw, "integrity_report.json", reportJSON); err != nil {
		return nil, err
	}

	if err := writeZipBytes(zw, "verfahrensdokumentation.md", []byte(documentation)); err != nil {
		return nil, err
	}

	blobs, err := arch.ListBlobIDs()
	if err != nil {
		return nil, err
	}
	for _, blob := range blobs {
		raw, err := arch.GetBlobRaw(blob.ID)
		if err != nil {
			return nil, err
		}
		if err := writeZipBytes(zw, "messages/"+raw.SHA256+".eml", raw.RawMIME); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip: %w", err)
	}

	return &AuditorBundle{
		ZipPath:       outputZipPath,
		MessageCount:  len(blobs),
		ProofSnapshot: snapshot,
	}, nil
}

var indexCSVHeader = []string{
	"account_id", "account_label", "mailbox_name", "uidvalidity", "uid",
	"internal_date", "flags", "message_blob_id", "sha256", "message_id",
	"date_header", "from_address", "to_addresses", "cc_addresses",
	"subject", "imported_at", "eml_path",
}

func buildIndexCSV(rows []archive.AuditorIndexRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(indexCSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write index header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.AccountID, 10),
			r.AccountLabel,
			r.MailboxName,
			strconv.FormatUint(uint64(r.UIDValidity), 10),
			strconv.FormatUint(uint64(r.UID), 10),
			r.InternalDate,
			r.Flags,
			strconv.FormatInt(r.BlobID, 10),
			r.SHA256,
			r.MessageID,
			r.DateHeader,
			r.FromAddress,
			r.ToAddresses,
			r.CcAddresses,
			r.Subject,
			r.ImportedAt,
			"messages/" + r.SHA256 + ".eml",
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write index row: %w", err)
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func buildEventsJSONL(events []types.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func writeZipBytes(zw *zip.Writer, path string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: path, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("failed to add %s to zip: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", path, err)
	}
	return nil
}
