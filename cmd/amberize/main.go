// Command amberize is the archive core's command surface: a long-running
// serve mode that hosts the background scheduler, plus one-shot commands
// mirroring the RPC calls a desktop shell would make. Results print as
// JSON so a shell process can consume them directly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/johannesmutter/amberize/internal/archive"
	"github.com/johannesmutter/amberize/internal/commands"
	"github.com/johannesmutter/amberize/internal/config"
	"github.com/johannesmutter/amberize/internal/scheduler"
	"github.com/johannesmutter/amberize/internal/secrets"
	"github.com/johannesmutter/amberize/internal/syncer"
	"github.com/johannesmutter/amberize/pkg/types"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	archive *archive.Archive
	service *commands.Service
}

func newRootCommand() *cobra.Command {
	var (
		archivePath string
		configFile  string
		useMemory   bool
	)

	root := &cobra.Command{
		Use:           "amberize",
		Short:         "Tamper-evident local email archive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&archivePath, "archive", "", "archive database path (overrides config)")
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&useMemory, "memory-secrets", false, "keep secrets in memory instead of the OS keyring")

	open := func() (*app, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		if archivePath != "" {
			cfg.ArchivePath = archivePath
		}

		logger := logrus.New()
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}

		arch, err := archive.Open(cfg.ArchivePath, logger)
		if err != nil {
			return nil, err
		}

		var store secrets.Store
		if useMemory {
			store = secrets.NewMemoryStore()
		} else {
			store, err = secrets.OpenKeyring()
			if err != nil {
				arch.Close()
				return nil, err
			}
		}

		return &app{
			cfg:     cfg,
			logger:  logger,
			archive: arch,
			service: commands.NewService(arch, store, cfg, logger),
		}, nil
	}

	root.AddCommand(
		newServeCommand(open),
		newAccountCommand(open),
		newMailboxCommand(open),
		newSyncCommand(open),
		newMessagesCommand(open),
		newEventsCommand(open),
		newStatsCommand(open),
		newVerifyCommand(open),
		newExportCommand(open),
		newDocsCommand(open),
		newDiagnoseCommand(open),
	)
	return root
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type opener func() (*app, error)

func withApp(open opener, run func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := open()
		if err != nil {
			return err
		}
		defer a.archive.Close()
		return run(a, cmd, args)
	}
}

func newServeCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background scheduler until interrupted",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			engine := syncer.New(a.archive, a.service.Secrets, a.cfg, a.logger)
			sched := scheduler.New(a.archive, engine, a.cfg, a.logger)
			sched.Emit = func(topic string, payload any) {
				a.logger.WithField("topic", topic).Debug("Event stream emit")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched.Start(ctx)
			sched.TriggerSync()

			<-ctx.Done()
			a.logger.Info("Shutting down")
			sched.Stop()
			return nil
		}),
	}
}

func newAccountCommand(open opener) *cobra.Command {
	account := &cobra.Command{Use: "account", Short: "Manage archived accounts"}

	var addInput commands.AddAccountInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a password-authenticated IMAP account",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			created, err := a.service.AddAccount(addInput)
			if err != nil {
				return err
			}
			return printJSON(created)
		}),
	}
	add.Flags().StringVar(&addInput.Label, "label", "", "display label")
	add.Flags().StringVar(&addInput.EmailAddress, "email", "", "email address")
	add.Flags().StringVar(&addInput.IMAPHost, "host", "", "IMAP host")
	add.Flags().IntVar(&addInput.IMAPPort, "port", 993, "IMAP port (TLS)")
	add.Flags().StringVar(&addInput.IMAPUsername, "username", "", "IMAP username")
	add.Flags().StringVar(&addInput.Password, "password", "", "IMAP password (stored in the credential store)")
	add.MarkFlagRequired("email") //nolint:errcheck
	add.MarkFlagRequired("host")  //nolint:errcheck

	var oauthLabel, oauthEmail, oauthProvider string
	addOAuth := &cobra.Command{
		Use:   "add-oauth",
		Short: "Register an OAuth account via browser consent",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			created, err := a.service.AddOAuthAccount(cmd.Context(), oauthLabel, oauthEmail, oauthProvider)
			if err != nil {
				return err
			}
			return printJSON(created)
		}),
	}
	addOAuth.Flags().StringVar(&oauthLabel, "label", "", "display label")
	addOAuth.Flags().StringVar(&oauthEmail, "email", "", "email address")
	addOAuth.Flags().StringVar(&oauthProvider, "provider", "google", "oauth provider")
	addOAuth.MarkFlagRequired("email") //nolint:errcheck

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			accounts, err := a.service.ListAccounts()
			if err != nil {
				return err
			}
			return printJSON(accounts)
		}),
	}

	var removeID int64
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Disable an account and delete its credentials",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			return a.service.RemoveAccount(removeID)
		}),
	}
	remove.Flags().Int64Var(&removeID, "id", 0, "account id")
	remove.MarkFlagRequired("id") //nolint:errcheck

	var pwID int64
	var pwValue string
	setPassword := &cobra.Command{
		Use:   "set-password",
		Short: "Replace the stored password for an account",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			return a.service.SetAccountPassword(pwID, pwValue)
		}),
	}
	setPassword.Flags().Int64Var(&pwID, "id", 0, "account id")
	setPassword.Flags().StringVar(&pwValue, "password", "", "new password")
	setPassword.MarkFlagRequired("id")       //nolint:errcheck
	setPassword.MarkFlagRequired("password") //nolint:errcheck

	account.AddCommand(add, addOAuth, list, remove, setPassword)
	return account
}

func newMailboxCommand(open opener) *cobra.Command {
	mailbox := &cobra.Command{Use: "mailbox", Short: "Manage mailbox sync settings"}

	var listAccountID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List mailboxes of an account",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			mailboxes, err := a.service.ListMailboxes(listAccountID)
			if err != nil {
				return err
			}
			return printJSON(mailboxes)
		}),
	}
	list.Flags().Int64Var(&listAccountID, "account", 0, "account id")
	list.MarkFlagRequired("account") //nolint:errcheck

	var setID int64
	var setEnabled bool
	setSync := &cobra.Command{
		Use:   "set-sync",
		Short: "Enable or disable archiving of one mailbox",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			return a.service.SetMailboxSyncEnabled(setID, setEnabled)
		}),
	}
	setSync.Flags().Int64Var(&setID, "id", 0, "mailbox id")
	setSync.Flags().BoolVar(&setEnabled, "enabled", true, "sync enabled")
	setSync.MarkFlagRequired("id") //nolint:errcheck

	var resetAccountID int64
	resetCursors := &cobra.Command{
		Use:   "reset-cursors",
		Short: "Clear sync cursors to force a full rescan",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			n, err := a.service.ResetCursors(resetAccountID)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"mailboxes_reset": n})
		}),
	}
	resetCursors.Flags().Int64Var(&resetAccountID, "account", 0, "account id")
	resetCursors.MarkFlagRequired("account") //nolint:errcheck

	mailbox.AddCommand(list, setSync, resetCursors)
	return mailbox
}

func newSyncCommand(open opener) *cobra.Command {
	var accountID int64
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			onProgress := func(p types.SyncProgress) {
				a.logger.WithFields(logrus.Fields{
					"mailbox":  p.MailboxName,
					"fetched":  p.MessagesFetched,
					"ingested": p.MessagesIngested,
				}).Info("Sync progress")
			}
			summary, err := a.service.SyncNow(cmd.Context(), accountID, onProgress)
			if err != nil {
				return err
			}
			return printJSON(summary)
		}),
	}
	sync.Flags().Int64Var(&accountID, "account", 0, "account id (0 = all enabled accounts)")
	return sync
}

func newMessagesCommand(open opener) *cobra.Command {
	messages := &cobra.Command{Use: "messages", Short: "Query the archive"}

	var listOpts struct {
		accountID int64
		mailbox   string
		query     string
		limit     int
		offset    int
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived messages",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			opts := archive.ListMessagesOptions{
				MailboxName: listOpts.mailbox,
				Query:       listOpts.query,
				Limit:       listOpts.limit,
				Offset:      listOpts.offset,
			}
			if listOpts.accountID != 0 {
				opts.AccountID = &listOpts.accountID
			}
			rows, err := a.service.ListMessages(opts)
			if err != nil {
				return err
			}
			return printJSON(rows)
		}),
	}
	list.Flags().Int64Var(&listOpts.accountID, "account", 0, "filter by account id")
	list.Flags().StringVar(&listOpts.mailbox, "mailbox", "", "filter by mailbox name")
	list.Flags().StringVar(&listOpts.query, "query", "", "full-text filter")
	list.Flags().IntVar(&listOpts.limit, "limit", 100, "page size")
	list.Flags().IntVar(&listOpts.offset, "offset", 0, "page offset")

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			rows, err := a.service.SearchMessages(args[0])
			if err != nil {
				return err
			}
			return printJSON(rows)
		}),
	}

	var detailID int64
	detail := &cobra.Command{
		Use:   "detail",
		Short: "Show the full parsed view of one message",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			d, err := a.service.GetMessageDetail(detailID)
			if err != nil {
				return err
			}
			return printJSON(d)
		}),
	}
	detail.Flags().Int64Var(&detailID, "id", 0, "message blob id")
	detail.MarkFlagRequired("id") //nolint:errcheck

	var emlID int64
	var emlPath string
	exportEML := &cobra.Command{
		Use:   "export-eml",
		Short: "Write one message's exact bytes to an .eml file",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			return a.service.ExportMessageEML(emlID, emlPath)
		}),
	}
	exportEML.Flags().Int64Var(&emlID, "id", 0, "message blob id")
	exportEML.Flags().StringVar(&emlPath, "out", "", "output path")
	exportEML.MarkFlagRequired("id")  //nolint:errcheck
	exportEML.MarkFlagRequired("out") //nolint:errcheck

	messages.AddCommand(list, search, detail, exportEML)
	return messages
}

func newEventsCommand(open opener) *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Inspect the audit log"}

	var kind string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			rows, total, err := a.service.ListEvents(kind, limit, offset)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"events": rows, "total": total})
		}),
	}
	list.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	list.Flags().IntVar(&limit, "limit", 50, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	var csvPath string
	exportCSV := &cobra.Command{
		Use:   "export-csv",
		Short: "Write the full event log as CSV",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			return a.service.ExportEventsCSV(csvPath)
		}),
	}
	exportCSV.Flags().StringVar(&csvPath, "out", "", "output path")
	exportCSV.MarkFlagRequired("out") //nolint:errcheck

	events.AddCommand(list, exportCSV)
	return events
}

func newStatsCommand(open opener) *cobra.Command {
	var accountID int64
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Archive size and date range",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			s, err := a.service.GetArchiveStats(accountID)
			if err != nil {
				return err
			}
			dateRange, err := a.service.GetArchiveDateRange()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"stats": s, "date_range": dateRange})
		}),
	}
	stats.Flags().Int64Var(&accountID, "account", 0, "scope to one account")
	return stats
}

func newVerifyCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run the full integrity verification",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			status, err := a.service.VerifyIntegrity()
			if err != nil {
				return err
			}
			if err := printJSON(status); err != nil {
				return err
			}
			if !status.OK {
				return errors.New("integrity verification failed")
			}
			return nil
		}),
	}
}

func newExportCommand(open opener) *cobra.Command {
	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export-auditor",
		Short: "Write the auditor ZIP bundle",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			bundle, err := a.service.ExportAuditorPackage(outPath)
			if err != nil {
				return err
			}
			return printJSON(bundle)
		}),
	}
	exportCmd.Flags().StringVar(&outPath, "out", "", "output zip path")
	exportCmd.MarkFlagRequired("out") //nolint:errcheck
	return exportCmd
}

func newDocsCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "Generate the Verfahrensdokumentation",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			path, err := a.service.GenerateDocumentation()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"path": path})
		}),
	}
}

func newDiagnoseCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Dump a diagnostic snapshot of the archive state",
		RunE: withApp(open, func(a *app, cmd *cobra.Command, args []string) error {
			d, err := a.service.Diagnose()
			if err != nil {
				return err
			}
			return printJSON(d)
		}),
	}
}
