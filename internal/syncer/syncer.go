// Package syncer orchestrates one account's synchronization: cursor
// framing, IMAP discovery and fetch, atomic ingest, deletion detection,
// and the audit trail around it.
package syncer

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/internal/config"
	"github.com/johannesmutter/amberize/internal/imapx"
	"github.com/johannesmutter/amberize/internal/oauth"
	"github.com/johannesmutter/amberize/internal/secrets"
	"github.com/johannesmutter/amberize/pkg/types"
)

// transient failures get this many attempts per batch before the mailbox
// is abandoned for the run.
const maxBatchAttempts = 3

// ProgressFunc receives a snapshot at the start of each mailbox and after
// each ingested message. It is invoked inline, so the engine waits for it;
// it must be cheap.
type ProgressFunc func(types.SyncProgress)

// Summary aggregates one account sync run.
type Summary struct {
	MailboxesSeen    int
	MailboxesSynced  int
	MessagesFetched  uint64
	MessagesIngested uint64
	MessagesGone     uint64
	HadMailboxErrors bool
}

// Engine runs per-account syncs against the archive.
type Engine struct {
	archive *archive.Archive
	secrets secrets.Store
	cfg     *config.Config
	logger  *logrus.Logger

	// TLSConfig overrides client TLS setup; tests point it at a local
	// server with a self-signed certificate.
	TLSConfig *tls.Config

	// tokenFn mints a fresh OAuth access token for an account; swappable
	// for tests.
	tokenFn func(ctx context.Context, account *archive.AccountRow) (string, error)
}

// New builds a sync engine.
func New(arch *archive.Archive, store secrets.Store, cfg *config.Config, logger *logrus.Logger) *Engine {
	e := &Engine{
		archive: arch,
		secrets: store,
		cfg:     cfg,
		logger:  logger,
	}
	e.tokenFn = e.freshAccessToken
	return e
}

// SyncAccount performs one full sync of the account: mailbox discovery,
// incremental fetch per enabled mailbox, deletion detection, and the
// closing sync_finished event. Mailbox failures are contained: the run
// continues with the next mailbox and the error lands in last_error.
func (e *Engine) SyncAccount(ctx context.Context, account *archive.AccountRow, onProgress ProgressFunc) (*Summary, error) {
	summary := &Summary{}

	client, err := e.connect(ctx, account)
	if err != nil {
		return summary, err
	}
	defer client.Close()

	serverMailboxes, err := client.ListMailboxes()
	if err != nil {
		return summary, err
	}
	summary.MailboxesSeen = len(serverMailboxes)

	for _, info := range serverMailboxes {
		if _, err := e.archive.UpsertMailbox(archive.UpsertMailboxInput{
			AccountID:    account.ID,
			Name:         info.Name,
			Delimiter:    info.Delimiter,
			Attributes:   joinAttributes(info.Attributes),
			SyncEnabled:  !info.HardExcluded,
			HardExcluded: info.HardExcluded,
		}); err != nil {
			return summary, err
		}
	}

	mailboxes, err := e.archive.ListMailboxes(account.ID)
	if err != nil {
		return summary, err
	}

	var enabled []archive.MailboxRow
	for _, m := range mailboxes {
		if m.SyncEnabled && !m.HardExcluded {
			enabled = append(enabled, m)
		}
	}

	for i, mailbox := range enabled {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if onProgress != nil {
			onProgress(types.SyncProgress{
				AccountEmail:     account.EmailAddress,
				MailboxName:      mailbox.Name,
				MailboxIndex:     i + 1,
				MailboxCount:     len(enabled),
				MessagesFetched:  summary.MessagesFetched,
				MessagesIngested: summary.MessagesIngested,
			})
		}

		partialMaxUID, err := e.syncMailbox(ctx, client, account, &mailbox, summary, onProgress, i+1, len(enabled))
		if err != nil {
			summary.HadMailboxErrors = true
			e.logger.WithError(err).WithFields(logrus.Fields{
				"account": account.EmailAddress,
				"mailbox": mailbox.Name,
			}).Warn("Mailbox sync failed")

			// Preserve partial progress so the next run resumes from the
			// highest UID that actually committed.
			cursorUID := mailbox.LastSeenUID
			if partialMaxUID > cursorUID {
				cursorUID = partialMaxUID
			}
			if uerr := e.archive.UpdateMailboxCursor(mailbox.ID, mailbox.UIDValidity, cursorUID,
				time.Now().UTC().Format(time.RFC3339), err.Error()); uerr != nil {
				e.logger.WithError(uerr).Warn("Failed to record mailbox error")
			}
			continue
		}

		summary.MailboxesSynced++
	}

	status := "ok"
	if summary.HadMailboxErrors {
		status = "partial"
	}
	if err := e.archive.AppendSyncFinishedEvent(account.ID, status,
		summary.MessagesFetched, summary.MessagesIngested, summary.MessagesGone); err != nil {
		return summary, err
	}

	return summary, nil
}

// syncMailbox returns the highest UID that durably committed, so the
// caller can preserve partial progress on error.
func (e *Engine) syncMailbox(
	ctx context.Context,
	client *imapx.Client,
	account *archive.AccountRow,
	mailbox *archive.MailboxRow,
	summary *Summary,
	onProgress ProgressFunc,
	mailboxIndex, mailboxCount int,
) (uint32, error) {
	selected, err := client.Select(mailbox.Name)
	if err != nil {
		return mailbox.LastSeenUID, err
	}

	validity := selected.UIDValidity
	lastSeen := mailbox.LastSeenUID

	// A changed (or first-observed) validity epoch invalidates the
	// cursor: all UIDs below it belong to the old epoch, which stays in
	// the location index as history.
	if validity != 0 && (mailbox.UIDValidity == nil || *mailbox.UIDValidity != validity) {
		if err := e.archive.ResetMailboxCursor(mailbox.ID, validity); err != nil {
			return lastSeen, err
		}
		lastSeen = 0
	}

	// UIDNEXT short-circuit: nothing new can exist above the cursor, so
	// the discovery and fetch phases are skipped. The deletion pass
	// below still runs.
	skipFetch := lastSeen > 0 && selected.UIDNext > 1 && selected.UIDNext-1 <= lastSeen

	var uids []uint32
	if !skipFetch {
		uids, err = client.SearchUIDsFrom(lastSeen + 1)
		if err != nil {
			return lastSeen, err
		}
		// Servers answer `lo:*` with the last message even when lo is
		// past the end; drop anything at or below the cursor.
		uids = filterAbove(uids, lastSeen)
	}

	maxSeen := lastSeen
	fetchedInMailbox := uint64(0)

	ingest := func(batch []uint32) error {
		messages, err := e.fetchWithRetry(ctx, client, batch)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if int64(len(msg.Raw)) > e.cfg.MaxMessageBytes {
				e.logger.WithFields(logrus.Fields{
					"mailbox": mailbox.Name,
					"uid":     msg.UID,
					"bytes":   len(msg.Raw),
				}).Warn("Skipping oversized message")
				if msg.UID > maxSeen {
					maxSeen = msg.UID
				}
				continue
			}

			var internalDate string
			if !msg.InternalDate.IsZero() {
				internalDate = msg.InternalDate.UTC().Format(time.RFC3339)
			}

			result, err := e.archive.IngestMessage(msg.Raw, archive.IngestLocationInput{
				AccountID:    account.ID,
				MailboxID:    mailbox.ID,
				UIDValidity:  validity,
				UID:          msg.UID,
				InternalDate: internalDate,
				Flags:        joinAttributes(msg.Flags),
			})
			if err != nil {
				return err
			}

			summary.MessagesFetched++
			fetchedInMailbox++
			if result.WasNew {
				summary.MessagesIngested++
			}
			if msg.UID > maxSeen {
				maxSeen = msg.UID
			}

			if onProgress != nil {
				onProgress(types.SyncProgress{
					AccountEmail:     account.EmailAddress,
					MailboxName:      mailbox.Name,
					MailboxIndex:     mailboxIndex,
					MailboxCount:     mailboxCount,
					MessagesFetched:  summary.MessagesFetched,
					MessagesIngested: summary.MessagesIngested,
				})
			}
		}
		return nil
	}

	for _, batch := range imapx.Batches(uids, e.cfg.UIDBatchSize) {
		if err := ctx.Err(); err != nil {
			return maxSeen, err
		}
		if err := ingest(batch); err != nil {
			return maxSeen, err
		}
	}

	// Some servers accept `UID SEARCH UID 1:*` but return nothing on a
	// fresh mailbox; fall back to an explicit ALL search.
	if !skipFetch && lastSeen == 0 && fetchedInMailbox == 0 && selected.Exists > 0 {
		allUIDs, err := client.SearchAllUIDs()
		if err != nil {
			return maxSeen, err
		}
		for _, batch := range imapx.Batches(filterAbove(allUIDs, 0), e.cfg.UIDBatchSize) {
			if err := ctx.Err(); err != nil {
				return maxSeen, err
			}
			if err := ingest(batch); err != nil {
				return maxSeen, err
			}
		}
	}

	if !skipFetch && lastSeen == 0 && selected.Exists > 0 && fetchedInMailbox == 0 {
		return maxSeen, fmt.Errorf("mailbox %q reports %d messages but fetched none (uidvalidity=%d)",
			mailbox.Name, selected.Exists, validity)
	}

	// Deletion pass: runs after ingest, under the same epoch, and never
	// rolls the cursor back. Blobs are untouched.
	if validity != 0 {
		present, err := client.SearchAllUIDs()
		if err != nil {
			return maxSeen, err
		}
		gone, err := e.archive.MarkGone(mailbox.ID, validity, present)
		if err != nil {
			return maxSeen, err
		}
		summary.MessagesGone += uint64(gone)
	}

	return maxSeen, e.archive.UpdateMailboxCursor(mailbox.ID, &validity, maxSeen,
		time.Now().UTC().Format(time.RFC3339), "")
}

// fetchWithRetry retries a batch on transient failures with exponential
// backoff; credential and protocol failures abort immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, client *imapx.Client, batch []uint32) ([]imapx.FetchedMessage, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		messages, err := client.FetchBatch(batch)
		if err == nil {
			return messages, nil
		}
		lastErr = err
		if !imapx.IsTransient(err) {
			return nil, err
		}
		e.logger.WithError(err).WithField("attempt", attempt).Warn("Transient fetch failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", maxBatchAttempts, lastErr)
}

// connect opens an authenticated session for the account, minting a
// fresh OAuth token when needed.
func (e *Engine) connect(ctx context.Context, account *archive.AccountRow) (*imapx.Client, error) {
	settings := &imapx.Settings{
		Host:      account.IMAPHost,
		Port:      account.IMAPPort,
		UseTLS:    account.IMAPTLS,
		Username:  account.IMAPUsername,
		TLSConfig: e.TLSConfig,
	}

	if account.AuthKind == archive.AuthKindOAuth2 {
		token, err := e.tokenFn(ctx, account)
		if err != nil {
			return nil, err
		}
		return imapx.DialAndAuthenticateXOAuth2(settings, account.EmailAddress, token, e.logger)
	}

	password, err := e.secrets.Get(secrets.Ref(account.SecretRef, secrets.PurposePassword))
	if err != nil {
		return nil, err
	}
	settings.Password = password
	return imapx.DialAndLogin(settings, e.logger)
}

// freshAccessToken resolves OAuth client credentials (account-scoped
// secrets first, config fallback second) and refreshes the access token.
func (e *Engine) freshAccessToken(ctx context.Context, account *archive.AccountRow) (string, error) {
	provider, err := oauth.ProviderByName(account.OAuthProvider)
	if err != nil {
		return "", err
	}

	creds := oauth.ClientCredentials{
		ClientID:     e.cfg.OAuthClientID,
		ClientSecret: e.cfg.OAuthClientSecret,
	}
	if id, err := e.secrets.Get(secrets.Ref(account.SecretRef, secrets.PurposeOAuthClientID)); err == nil {
		creds.ClientID = id
	}
	if secret, err := e.secrets.Get(secrets.Ref(account.SecretRef, secrets.PurposeOAuthClientSecret)); err == nil {
		creds.ClientSecret = secret
	}

	manager := oauth.NewManager(provider, e.secrets, e.logger)
	return manager.EnsureFreshToken(ctx, creds,
		secrets.Ref(account.SecretRef, secrets.PurposeOAuthRefreshToken))
}

func filterAbove(uids []uint32, threshold uint32) []uint32 {
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > threshold {
			filtered = append(filtered, uid)
		}
	}
	return filtered
}

func joinAttributes(attrs []string) string {
	return strings.Join(attrs, ",")
}
