// Package export produces the artifacts that leave the archive: single
// .eml files, the event log CSV, and the auditor ZIP bundle.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/pkg/types"
)

// WriteMessageEML writes the exact stored octets of one message to path
// and records a message_eml_exported event. The file content hashes to
// the blob's SHA-256 by construction.
func WriteMessageEML(arch *archive.Archive, blobID int64, path string) error {
	raw, err := arch.GetBlobRaw(blobID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := os.WriteFile(path, raw.RawMIME, 0o644); err != nil {
		return fmt.Errorf("failed to write eml file: %w", err)
	}

	_, err = arch.AppendEvent(archive.EventInput{
		Kind:   archive.EventKindMessageEMLExported,
		BlobID: &blobID,
		Detail: map[string]any{"v": 1, "sha256": raw.SHA256},
	})
	return err
}

var eventsCSVHeader = []string{
	"id", "occurred_at", "kind", "account_id", "mailbox_id",
	"message_blob_id", "detail", "prev_hash", "hash",
}

// WriteEventsCSV writes the full event log, chain order, to path.
func WriteEventsCSV(arch *archive.Archive, path string) error {
	events, err := arch.ListAllEvents()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := writeEventRows(w, events); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func writeEventRows(w *csv.Writer, events []types.Event) error {
	if err := w.Write(eventsCSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range events {
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.OccurredAt,
			e.Kind,
			optionalID(e.AccountID),
			optionalID(e.MailboxID),
			optionalID(e.BlobID),
			e.Detail,
			e.PrevHash,
			e.Hash,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	return nil
}

func optionalID(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
