package archive

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/johannesmutter/amberize/pkg/types"
)

// Authentication kinds stored on an account row.
const (
	AuthKindPassword = "password"
	AuthKindOAuth2   = "oauth2"
)

// CreateAccountInput holds the attributes of a new account row. Secrets
// are never stored here; SecretRef is the logical key into the external
// credential store.
type CreateAccountInput struct {
	Label         string
	EmailAddress  string
	IMAPHost      string
	IMAPPort      int
	IMAPTLS       bool
	IMAPUsername  string
	AuthKind      string
	OAuthProvider string
	SecretRef     string
}

// AccountRow mirrors one accounts row, including fields the shell-facing
// types.Account omits.
type AccountRow struct {
	ID            int64
	Label         string
	EmailAddress  string
	IMAPHost      string
	IMAPPort      int
	IMAPTLS       bool
	IMAPUsername  string
	AuthKind      string
	OAuthProvider string
	SecretRef     string
	Disabled      bool
	CreatedAt     string
	UpdatedAt     string
}

// CreateAccount inserts the account and appends an account_created event
// in the same transaction.
func (a *Archive) CreateAccount(input CreateAccountInput) (int64, error) {
	now := nowRFC3339()
	tx, err := a.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin account create: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO accounts
		 (label, email_address, imap_host, imap_port, imap_tls, imap_username,
		  auth_kind, oauth_provider, secret_ref, disabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, 0, ?, ?)`,
		input.Label, input.EmailAddress, input.IMAPHost, input.IMAPPort,
		boolToInt(input.IMAPTLS), input.IMAPUsername, input.AuthKind,
		input.OAuthProvider, input.SecretRef, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read account id: %w", err)
	}

	if _, err := appendEventTx(tx, EventInput{
		Kind:      EventKindAccountCreated,
		AccountID: &id,
		Detail: map[string]any{
			"v":             1,
			"email_address": input.EmailAddress,
			"auth_kind":     input.AuthKind,
		},
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit account create: %w", err)
	}
	return id, nil
}

// SetAccountDisabled marks an account disabled (or re-enables it).
// Accounts are never destroyed so historical locations stay resolvable;
// removal appends an account_removed event instead.
func (a *Archive) SetAccountDisabled(accountID int64, disabled bool) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin account update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE accounts SET disabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(disabled), nowRFC3339(), accountID,
	); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if disabled {
		if _, err := appendEventTx(tx, EventInput{
			Kind:      EventKindAccountRemoved,
			AccountID: &accountID,
			Detail:    map[string]any{"v": 1},
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account update: %w", err)
	}
	return nil
}

// ListAccounts returns all account rows ordered by id.
func (a *Archive) ListAccounts() ([]AccountRow, error) {
	rows, err := a.db.Query(
		`SELECT id, label, email_address, imap_host, imap_port, imap_tls, imap_username,
		        auth_kind, COALESCE(oauth_provider, ''), secret_ref, disabled, created_at, updated_at
		 FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []AccountRow
	for rows.Next() {
		var acc AccountRow
		var tlsInt, disabledInt int
		if err := rows.Scan(&acc.ID, &acc.Label, &acc.EmailAddress, &acc.IMAPHost,
			&acc.IMAPPort, &tlsInt, &acc.IMAPUsername, &acc.AuthKind,
			&acc.OAuthProvider, &acc.SecretRef, &disabledInt,
			&acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acc.IMAPTLS = tlsInt != 0
		acc.Disabled = disabledInt != 0
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetAccount returns one account row, or nil when it does not exist.
func (a *Archive) GetAccount(accountID int64) (*AccountRow, error) {
	row := a.db.QueryRow(
		`SELECT id, label, email_address, imap_host, imap_port, imap_tls, imap_username,
		        auth_kind, COALESCE(oauth_provider, ''), secret_ref, disabled, created_at, updated_at
		 FROM accounts WHERE id = ?`, accountID)

	var acc AccountRow
	var tlsInt, disabledInt int
	err := row.Scan(&acc.ID, &acc.Label, &acc.EmailAddress, &acc.IMAPHost,
		&acc.IMAPPort, &tlsInt, &acc.IMAPUsername, &acc.AuthKind,
		&acc.OAuthProvider, &acc.SecretRef, &disabledInt,
		&acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	acc.IMAPTLS = tlsInt != 0
	acc.Disabled = disabledInt != 0
	return &acc, nil
}

// ToType converts a row into the shell-facing account DTO.
func (r AccountRow) ToType() types.Account {
	return types.Account{
		ID:            r.ID,
		Label:         r.Label,
		EmailAddress:  r.EmailAddress,
		IMAPHost:      r.IMAPHost,
		IMAPPort:      r.IMAPPort,
		IMAPUsername:  r.IMAPUsername,
		AuthKind:      r.AuthKind,
		OAuthProvider: r.OAuthProvider,
		Disabled:      r.Disabled,
		CreatedAt:     r.CreatedAt,
	}
}
