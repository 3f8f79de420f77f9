// Package mailparse derives the cached metadata view of a raw MIME
// message. Everything here is a pure function of the raw bytes: the
// archive can rebuild the cache at any time without touching the blob.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"net/mail"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/rivo/uniseg"

	"github.com/johannesmutter/amberize/pkg/types"
)

// InlineImageCap is the largest attachment that still gets an inline
// data URI for preview (2 MiB).
const InlineImageCap = 2 * 1024 * 1024

// snippetGraphemes bounds the whitespace-collapsed plain-text preview.
const snippetGraphemes = 160

// Parsed is the metadata cache extracted from one message.
type Parsed struct {
	MessageID   string
	Subject     string
	FromAddress string
	ToAddresses string
	CcAddresses string
	DateHeader  string
	BodyText    string
	BodyHTML    string
	Snippet     string
	Attachments []types.Attachment
	// Partial marks messages whose outer envelope could not be framed;
	// the raw bytes are stored regardless.
	Partial bool
}

// Parse extracts the cached view from raw message bytes. It never fails:
// unparsable input yields a Parsed with Partial set.
func Parse(raw []byte) Parsed {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil || env == nil {
		return Parsed{Partial: true}
	}

	p := Parsed{
		MessageID:   strings.Trim(env.GetHeader("Message-Id"), "<>"),
		Subject:     env.GetHeader("Subject"),
		DateHeader:  normalizeDate(env.GetHeader("Date")),
		FromAddress: firstAddress(env, "From"),
		ToAddresses: joinAddresses(env, "To"),
		CcAddresses: joinAddresses(env, "Cc"),
	}

	p.BodyText = env.Text
	if p.BodyText == "" && env.HTML != "" {
		if text, err := html2text.FromString(env.HTML, html2text.Options{TextOnly: true}); err == nil {
			p.BodyText = text
		}
	}
	p.BodyHTML = SanitizeHTML(env.HTML)
	p.Snippet = Snippet(p.BodyText)

	for _, part := range collectParts(env) {
		att := types.Attachment{
			Filename:  part.FileName,
			MIMEType:  part.ContentType,
			Size:      len(part.Content),
			ContentID: part.ContentID,
		}
		if strings.HasPrefix(part.ContentType, "image/") && len(part.Content) <= InlineImageCap {
			att.DataURI = "data:" + part.ContentType + ";base64," +
				base64.StdEncoding.EncodeToString(part.Content)
		}
		p.Attachments = append(p.Attachments, att)
	}

	return p
}

func collectParts(env *enmime.Envelope) []*enmime.Part {
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines)+len(env.OtherParts))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)
	parts = append(parts, env.OtherParts...)
	return parts
}

// normalizeDate converts an RFC 5322 date header to RFC 3339 where
// possible, keeping the original string otherwise.
func normalizeDate(header string) string {
	if header == "" {
		return ""
	}
	t, err := mail.ParseDate(header)
	if err != nil {
		return header
	}
	return t.UTC().Format(time.RFC3339)
}

func firstAddress(env *enmime.Envelope, key string) string {
	list, err := env.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(env.GetHeader(key))
	}
	return formatAddress(list[0])
}

func joinAddresses(env *enmime.Envelope, key string) string {
	list, err := env.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(env.GetHeader(key))
	}
	parts := make([]string, 0, len(list))
	for _, addr := range list {
		parts = append(parts, formatAddress(addr))
	}
	return strings.Join(parts, ", ")
}

func formatAddress(addr *mail.Address) string {
	name := strings.TrimSpace(addr.Name)
	if name == "" {
		return addr.Address
	}
	return name + " <" + addr.Address + ">"
}

// Snippet collapses whitespace and keeps roughly the first 160 graphemes
// of the plain-text body.
func Snippet(bodyText string) string {
	collapsed := strings.Join(strings.Fields(bodyText), " ")
	if collapsed == "" {
		return ""
	}

	g := uniseg.NewGraphemes(collapsed)
	count := 0
	for g.Next() {
		count++
		if count > snippetGraphemes {
			start, _ := g.Positions()
			return collapsed[:start]
		}
	}
	return collapsed
}
