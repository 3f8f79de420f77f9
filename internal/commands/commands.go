// Package commands is the RPC-style surface the shell calls into. Every
// command opens on an archive handle, returns a structured result, and
// maps failures onto the closed error taxonomy.
package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/internal/config"
	"github.com/johannesmutter/amberize/internal/docs"
	"github.com/johannesmutter/amberize/internal/export"
	"github.com/johannesmutter/amberize/internal/oauth"
	"github.com/johannesmutter/amberize/internal/secrets"
	"github.com/johannesmutter/amberize/internal/syncer"
	"github.com/johannesmutter/amberize/pkg/types"
)

// Service bundles the dependencies every command needs.
type Service struct {
	Archive *archive.Archive
	Secrets secrets.Store
	Config  *config.Config
	Logger  *logrus.Logger
}

// NewService wires a command service over an open archive.
func NewService(arch *archive.Archive, store secrets.Store, cfg *config.Config, logger *logrus.Logger) *Service {
	return &Service{Archive: arch, Secrets: store, Config: cfg, Logger: logger}
}

// AddAccountInput describes a new password-authenticated account.
type AddAccountInput struct {
	Label        string
	EmailAddress string
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	Password     string
}

// AddAccount registers a password account and stores the credential in
// the secret store, never in the archive.
func (s *Service) AddAccount(input AddAccountInput) (*types.Account, error) {
	if input.IMAPPort == 0 {
		input.IMAPPort = 993
	}
	secretRef := "account:" + uuid.NewString()

	if input.Password != "" {
		if err := s.Secrets.Set(secrets.Ref(secretRef, secrets.PurposePassword), input.Password); err != nil {
			return nil, err
		}
	}

	id, err := s.Archive.CreateAccount(archive.CreateAccountInput{
		Label:        input.Label,
		EmailAddress: input.EmailAddress,
		IMAPHost:     input.IMAPHost,
		IMAPPort:     input.IMAPPort,
		IMAPTLS:      true,
		IMAPUsername: input.IMAPUsername,
		AuthKind:     archive.AuthKindPassword,
		SecretRef:    secretRef,
	})
	if err != nil {
		return nil, err
	}
	return s.getAccountType(id)
}

// AddOAuthAccount runs the browser consent flow for the provider and, on
// success, registers the account with the tokens already stored.
func (s *Service) AddOAuthAccount(ctx context.Context, label, emailAddress, providerName string) (*types.Account, error) {
	provider, err := oauth.ProviderByName(providerName)
	if err != nil {
		return nil, err
	}
	secretRef := "account:" + uuid.NewString()

	manager := oauth.NewManager(provider, s.Secrets, s.Logger)
	creds := oauth.ClientCredentials{
		ClientID:     s.Config.OAuthClientID,
		ClientSecret: s.Config.OAuthClientSecret,
	}
	if _, err := manager.Authorize(ctx, creds, emailAddress,
		secrets.Ref(secretRef, secrets.PurposeOAuthRefreshToken)); err != nil {
		return nil, err
	}

	id, err := s.Archive.CreateAccount(archive.CreateAccountInput{
		Label:         label,
		EmailAddress:  emailAddress,
		IMAPHost:      provider.IMAPHost,
		IMAPPort:      provider.IMAPPort,
		IMAPTLS:       true,
		IMAPUsername:  emailAddress,
		AuthKind:      archive.AuthKindOAuth2,
		OAuthProvider: provider.Name,
		SecretRef:     secretRef,
	})
	if err != nil {
		return nil, err
	}
	return s.getAccountType(id)
}

func (s *Service) getAccountType(id int64) (*types.Account, error) {
	row, err := s.Archive.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("account not found: %d", id)
	}
	t := row.ToType()
	return &t, nil
}

// ListAccounts returns every registered account.
func (s *Service) ListAccounts() ([]types.Account, error) {
	rows, err := s.Archive.ListAccounts()
	if err != nil {
		return nil, err
	}
	accounts := make([]types.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.ToType())
	}
	return accounts, nil
}

// RemoveAccount disables the account and deletes its secrets. The row and
// all archived data stay in place.
func (s *Service) RemoveAccount(accountID int64) error {
	row, err := s.Archive.GetAccount(accountID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("account not found: %d", accountID)
	}

	if err := s.Archive.SetAccountDisabled(accountID, true); err != nil {
		return err
	}

	for _, purpose := range []string{
		secrets.PurposePassword,
		secrets.PurposeOAuthRefreshToken,
		secrets.PurposeOAuthAccessToken,
		secrets.PurposeOAuthClientID,
		secrets.PurposeOAuthClientSecret,
	} {
		if err := s.Secrets.Delete(secrets.Ref(row.SecretRef, purpose)); err != nil {
			s.Logger.WithError(err).WithField("purpose", purpose).Warn("Failed to delete secret")
		}
	}
	return nil
}

// SetAccountPassword replaces the stored password for an account.
func (s *Service) SetAccountPassword(accountID int64, password string) error {
	row, err := s.Archive.GetAccount(accountID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("account not found: %d", accountID)
	}
	return s.Secrets.Set(secrets.Ref(row.SecretRef, secrets.PurposePassword), password)
}

// ListMailboxes returns the mailboxes discovered for an account.
func (s *Service) ListMailboxes(accountID int64) ([]types.Mailbox, error) {
	rows, err := s.Archive.ListMailboxes(accountID)
	if err != nil {
		return nil, err
	}
	mailboxes := make([]types.Mailbox, 0, len(rows))
	for _, r := range rows {
		mailboxes = append(mailboxes, r.ToType())
	}
	return mailboxes, nil
}

// SetMailboxSyncEnabled toggles archiving of one mailbox.
func (s *Service) SetMailboxSyncEnabled(mailboxID int64, enabled bool) error {
	return s.Archive.SetMailboxSyncEnabled(mailboxID, enabled)
}

// ResetCursors clears the sync cursors of all mailboxes of the account,
// forcing a full rescan on the next run.
func (s *Service) ResetCursors(accountID int64) (int64, error) {
	return s.Archive.ResetAllMailboxCursors(accountID)
}

// SyncNow runs one synchronous sync pass. accountID 0 means every
// enabled account, sequentially.
func (s *Service) SyncNow(ctx context.Context, accountID int64, onProgress syncer.ProgressFunc) (*syncer.Summary, error) {
	engine := syncer.New(s.Archive, s.Secrets, s.Config, s.Logger)

	if accountID != 0 {
		row, err := s.Archive.GetAccount(accountID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("account not found: %d", accountID)
		}
		return engine.SyncAccount(ctx, row, onProgress)
	}

	total := &syncer.Summary{}
	accounts, err := s.Archive.ListAccounts()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		account := accounts[i]
		if account.Disabled {
			continue
		}
		summary, err := engine.SyncAccount(ctx, &account, onProgress)
		if err != nil {
			s.Logger.WithError(err).WithField("account", account.EmailAddress).Warn("Account sync failed")
			total.HadMailboxErrors = true
			continue
		}
		total.MailboxesSeen += summary.MailboxesSeen
		total.MailboxesSynced += summary.MailboxesSynced
		total.MessagesFetched += summary.MessagesFetched
		total.MessagesIngested += summary.MessagesIngested
		total.MessagesGone += summary.MessagesGone
		total.HadMailboxErrors = total.HadMailboxErrors || summary.HadMailboxErrors
	}
	return total, nil
}

// ListMessages pages through the archive listing.
func (s *Service) ListMessages(opts archive.ListMessagesOptions) ([]types.ListRow, error) {
	return s.Archive.ListMessages(opts)
}

// SearchMessages runs a capped full-text search.
func (s *Service) SearchMessages(query string) ([]types.SearchRow, error) {
	return s.Archive.SearchMessages(query, s.Config.SearchResultLimit)
}

// GetMessageDetail returns the full parsed view of one message.
func (s *Service) GetMessageDetail(blobID int64) (*types.MessageDetail, error) {
	return s.Archive.GetMessageDetail(blobID)
}

// ExportMessageEML writes one message's exact bytes to path.
func (s *Service) ExportMessageEML(blobID int64, path string) error {
	return export.WriteMessageEML(s.Archive, blobID, path)
}

// ExportAuditorPackage writes the auditor ZIP bundle.
func (s *Service) ExportAuditorPackage(outputZipPath string) (*export.AuditorBundle, error) {
	return export.WriteAuditorPackage(s.Archive, outputZipPath)
}

// GenerateDocumentation writes the Verfahrensdokumentation next to the
// archive and returns its path.
func (s *Service) GenerateDocumentation() (string, error) {
	return docs.Generate(s.Archive)
}

// ListEvents pages through the audit log, newest first.
func (s *Service) ListEvents(kind string, limit, offset int) ([]types.Event, int64, error) {
	return s.Archive.ListEvents(kind, limit, offset)
}

// ExportEventsCSV writes the full event log to path.
func (s *Service) ExportEventsCSV(path string) error {
	return export.WriteEventsCSV(s.Archive, path)
}

// GetArchiveStats returns message count and byte volume.
func (s *Service) GetArchiveStats(accountID int64) (types.ArchiveStats, error) {
	var filter *int64
	if accountID != 0 {
		filter = &accountID
	}
	return s.Archive.GetArchiveStats(filter)
}

// GetArchiveDateRange returns the archived date span.
func (s *Service) GetArchiveDateRange() (types.ArchiveDateRange, error) {
	return s.Archive.GetArchiveDateRange()
}

// VerifyIntegrity runs the full verification and records the outcome in
// the audit log as an integrity_check event; unlike the startup check it
// appends no tampering_detected event on failure.
func (s *Service) VerifyIntegrity() (archive.IntegrityStatus, error) {
	status, err := s.Archive.VerifyIntegrity()
	if err != nil {
		return status, err
	}

	detail := map[string]any{"ok": status.OK, "kind": "manual"}
	if status.ChainFirstMismatchEventID != nil {
		detail["broken_at"] = *status.ChainFirstMismatchEventID
	}
	if _, err := s.Archive.AppendEvent(archive.EventInput{
		Kind:   archive.EventKindIntegrityCheck,
		Detail: detail,
	}); err != nil {
		return status, err
	}
	return status, nil
}

// SnapshotProof takes an on-demand proof snapshot.
func (s *Service) SnapshotProof() (*types.ProofSnapshot, error) {
	return s.Archive.SnapshotProof()
}

// Diagnose returns the truth-extraction view of the database.
func (s *Service) Diagnose() (archive.Diagnostic, error) {
	return s.Archive.Diagnose()
}
