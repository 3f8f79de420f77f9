// Package docs generates the Verfahrensdokumentation, the procedural
// documentation German retention practice expects alongside the archive.
// The document is a Markdown file next to the archive; a marked section
// is regenerated from live system state on every run while the text
// around it can be edited by the operator and survives regeneration.
package docs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johannesmutter/amberize/internal/archive"
)

const DocumentationFilename = "verfahrensdokumentation.md"

const (
	autoBeginMarker = "<!-- BEGIN AUTO-GENERATED TECHNISCHE_SYSTEMDOKUMENTATION -->"
	autoEndMarker   = "<!-- END AUTO-GENERATED TECHNISCHE_SYSTEMDOKUMENTATION -->"
)

const templateDE = `# Verfahrensdokumentation zur E-Mail-Archivierung

## 1. Allgemeine Beschreibung

Dieses Dokument beschreibt das Verfahren zur revisionssicheren
Archivierung geschäftlicher E-Mails mit Amberize. Die Archivierung
erfolgt lokal, lesend über IMAP, in eine einzelne Archivdatei mit
manipulationserkennender Ereigniskette.

## 2. Organisatorische Regelungen

*Dieser Abschnitt ist vom Betreiber auszufüllen: Zuständigkeiten,
Kontrollintervalle, Aufbewahrungsfristen.*

## 3. Technische Systemdokumentation

` + autoBeginMarker + `
` + autoEndMarker + `

## 4. Internes Kontrollsystem

Die Integrität des Archivs wird bei jedem Programmstart sowie zyklisch
während des Betriebs geprüft (Hashkette der Ereignisse, Wurzel-Hash der
Rohnachrichten). Abweichungen werden als Ereignis protokolliert und dem
Benutzer angezeigt; eine automatische Korrektur findet nicht statt.
`

// Path returns the documentation location for the given archive.
func Path(arch *archive.Archive) string {
	return filepath.Join(filepath.Dir(arch.Path()), DocumentationFilename)
}

// Generate writes or refreshes the documentation file and appends a
// documentation_generated event. Operator-edited text outside the marked
// section is preserved.
func Generate(arch *archive.Archive) (string, error) {
	path := Path(arch)

	content := templateDE
	if existing, err := os.ReadFile(path); err == nil {
		content = string(existing)
	}

	technical, err := technicalSection(arch)
	if err != nil {
		return "", err
	}

	updated, err := replaceAutoSection(content, technical)
	if err != nil {
		// A hand-edited file without markers falls back to the template.
		updated, err = replaceAutoSection(templateDE, technical)
		if err != nil {
			return "", err
		}
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("failed to write documentation: %w", err)
	}

	if _, err := arch.AppendEvent(archive.EventInput{
		Kind:   archive.EventKindDocumentationGenerated,
		Detail: map[string]any{"v": 1},
	}); err != nil {
		return "", err
	}

	return path, nil
}

// EnsureDocumentation regenerates the documentation and returns its
// content, for bundling into the auditor export.
func EnsureDocumentation(arch *archive.Archive) (string, error) {
	path, err := Generate(arch)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read documentation: %w", err)
	}
	return string(content), nil
}

func technicalSection(arch *archive.Archive) (string, error) {
	version, err := arch.SchemaVersion()
	if err != nil {
		return "", err
	}
	diag, err := arch.Diagnose()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stand: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Archivdatei: `%s` (Schema-Version %d)\n", arch.Path(), version)
	fmt.Fprintf(&b, "- Konten: %d, Postfächer: %d\n", diag.AccountsCount, diag.MailboxesCount)
	fmt.Fprintf(&b, "- Archivierte Nachrichten (inhaltsadressiert, SHA-256): %d\n", diag.BlobsCount)
	fmt.Fprintf(&b, "- Fundstellen (Konto/Postfach/UID): %d\n", diag.LocationsCount)
	fmt.Fprintf(&b, "- Protokollereignisse in der Hashkette: %d\n", diag.EventsCount)
	b.WriteString("\nAbruf ausschließlich lesend über IMAP mit `BODY.PEEK[]`; " +
		"Rohnachrichten werden nach dem Schreiben nicht mehr verändert.\n")
	return b.String(), nil
}

func replaceAutoSection(content, technical string) (string, error) {
	begin := strings.Index(content, autoBeginMarker)
	end := strings.Index(content, autoEndMarker)
	if begin < 0 || end < 0 || end < begin {
		return "", fmt.Errorf("documentation markers not found")
	}
	return content[:begin+len(autoBeginMarker)] + "\n" + technical + content[end:], nil
}
