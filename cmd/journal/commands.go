package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dethbird/journal-sub000/internal/config"
	"github.com/dethbird/journal-sub000/internal/orchestrator"
	"github.com/dethbird/journal-sub000/internal/providers/spotify"
	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization cycle",
	Long: `Run one synchronization cycle over every enabled provider, then process
queued enrichment jobs up to sync.job_budget.

Examples:
  journal sync
  journal sync --provider github --provider spotify
  journal sync --remote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, _ := cmd.Flags().GetStringSlice("provider")
		remote, _ := cmd.Flags().GetBool("remote")

		ctx, stop := signalContext()
		defer stop()

		if remote {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return triggerRemote(ctx, newAPIClient(cfg))
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		sum, err := runSync(ctx, a, os.Stdout, providers)
		if err != nil {
			return err
		}
		if sum.Failed() {
			printWarning("some providers failed; see the errors above")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringSlice("provider", nil, "only sync these providers")
	syncCmd.Flags().Bool("remote", false, "ask a running server to sync instead")
}

// runSync runs a cycle and drains up to the configured job budget.
func runSync(ctx context.Context, a *app, out io.Writer, providers []string) (orchestrator.Summary, error) {
	sum, err := a.orchestrator(providers...).RunCycle(ctx)
	if err != nil {
		return sum, err
	}
	writeSummary(out, sum)

	if a.cfg.Sync.JobBudget > 0 {
		n, err := a.worker().Drain(ctx, a.cfg.Sync.JobBudget)
		if err != nil {
			printWarning("enrichment jobs stopped early: %v", err)
		}
		if n > 0 {
			fmt.Fprintf(out, "processed %d enrichment jobs\n", n)
		}
	}
	return sum, nil
}

func triggerRemote(ctx context.Context, c *apiClient) error {
	resp, err := c.post(ctx, "/sync")
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result["status"] == "already_pending" {
		printWarning("a sync is already pending")
		return nil
	}
	printSuccess("Sync triggered")
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show providers, recent runs and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if newAPIClient(a.cfg).healthy(ctx) {
			printStatus("Server", "running on port %d", a.cfg.Server.Port)
		} else {
			printStatus("Server", "stopped")
		}
		return showStatus(ctx, a, os.Stdout)
	},
}

func showStatus(ctx context.Context, a *app, out io.Writer) error {
	names := a.registry.Names()
	if len(names) == 0 {
		printWarning("no providers enabled; edit %s", a.cfg.Sources.Path)
	}
	printStatus("Storage", "%s", a.cfg.Storage.Target)
	printStatus("Providers", "%s", strings.Join(names, ", "))

	pending, err := a.store.CountJobs(ctx, "pending")
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}
	printStatus("Pending jobs", "%d", pending)

	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tEVENTS\tLAST RUN\tSTATUS\tNEW")
	for _, name := range names {
		count, err := a.store.CountEvents(ctx, name)
		if err != nil {
			return fmt.Errorf("counting events: %w", err)
		}
		runs, err := a.store.ListSyncRuns(ctx, name, 1)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintf(tw, "%s\t%d\tnever\t-\t-\n", name, count)
			continue
		}
		r := runs[0]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\n", name, count,
			r.StartedAt.Local().Format(time.DateTime), colorize(statusColor(r.Status), r.Status), r.Created)
	}
	return tw.Flush()
}

// --- cursors ---

var cursorsCmd = &cobra.Command{
	Use:   "cursors",
	Short: "List stored sync cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		return listCursors(context.Background(), a.store, os.Stdout)
	},
}

func listCursors(ctx context.Context, store *storage.Store, out io.Writer) error {
	cursors, err := store.ListCursors(ctx)
	if err != nil {
		return err
	}
	if len(cursors) == 0 {
		fmt.Fprintln(out, "No cursors stored yet.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tACCOUNT\tVALUE\tUPDATED")
	for _, c := range cursors {
		account := c.AccountID
		if account == "" {
			account = "-"
		}
		value := c.Value
		if value == "" {
			value = "(empty)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Provider, account, value, c.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

var cursorAccount string

var cursorsSetCmd = &cobra.Command{
	Use:   "set <provider> <value>",
	Short: "Overwrite a stored cursor (use \"\" to collect from the beginning)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := setCursor(context.Background(), a, args[0], cursorAccount, args[1]); err != nil {
			return err
		}
		printSuccess("Cursor for %s set to %q", args[0], args[1])
		return nil
	},
}

func init() {
	cursorsSetCmd.Flags().StringVar(&cursorAccount, "account", "", "account id for per-account providers")
	cursorsCmd.AddCommand(cursorsSetCmd)
}

// setCursor replaces a cursor after checking the value parses for the
// provider. It may move a cursor backward, which the sync cycle never does.
func setCursor(ctx context.Context, a *app, provider, accountID, value string) error {
	reg, ok := a.registry.Get(provider)
	if !ok {
		return fmt.Errorf("provider %q is not registered", provider)
	}
	if _, isGlobal := reg.Source.(source.Global); isGlobal && accountID != "" {
		return fmt.Errorf("%s is a global provider; --account does not apply", provider)
	}
	if _, err := reg.Cursor.Parse(value); err != nil {
		return fmt.Errorf("invalid %s cursor: %w", provider, err)
	}
	return a.store.SetCursor(ctx, provider, accountID, value)
}

// --- accounts ---

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage connected accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		accounts, err := a.store.ListAccounts(context.Background())
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts connected.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROVIDER\tOWNER\tUSER\tACTIVE")
		for _, acct := range accounts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", acct.ID, acct.Provider, acct.OwnerID, acct.ExternalUser, acct.Active)
		}
		return tw.Flush()
	},
}

var accountsConnectCmd = &cobra.Command{
	Use:   "connect <provider>",
	Short: "Connect an account with tokens from a completed OAuth flow",
	Long: `Connect an account for a per-account provider using tokens obtained
from the provider's OAuth flow.

Examples:
  journal accounts connect spotify --owner me --user alice --access-token AT --refresh-token RT --expires-in 3600
  journal accounts connect gmail --owner me --user alice@example.com --refresh-token RT`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := connectInput{Provider: args[0]}
		in.OwnerID, _ = cmd.Flags().GetString("owner")
		in.ExternalUser, _ = cmd.Flags().GetString("user")
		in.Label, _ = cmd.Flags().GetString("label")
		in.AccessToken, _ = cmd.Flags().GetString("access-token")
		in.RefreshToken, _ = cmd.Flags().GetString("refresh-token")
		in.ExpiresIn, _ = cmd.Flags().GetDuration("expires-in")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		acct, err := connectAccount(context.Background(), a, in)
		if err != nil {
			return err
		}
		printSuccess("Connected %s account %s", acct.Provider, acct.ID)
		return nil
	},
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Stop syncing an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.SetAccountActive(context.Background(), args[0], false); err != nil {
			return err
		}
		printSuccess("Disabled account %s", args[0])
		return nil
	},
}

func init() {
	accountsConnectCmd.Flags().String("owner", "", "journal user the account belongs to")
	accountsConnectCmd.Flags().String("user", "", "account name at the provider")
	accountsConnectCmd.Flags().String("label", "", "display label")
	accountsConnectCmd.Flags().String("access-token", "", "current access token")
	accountsConnectCmd.Flags().String("refresh-token", "", "refresh token")
	accountsConnectCmd.Flags().Duration("expires-in", 0, "access token lifetime, e.g. 1h")
	accountsConnectCmd.MarkFlagRequired("owner")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsConnectCmd)
	accountsCmd.AddCommand(accountsDisableCmd)
}

type connectInput struct {
	Provider     string
	OwnerID      string
	ExternalUser string
	Label        string
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// connectAccount creates an account and its first credential. Only
// providers registered as per-account can be connected.
func connectAccount(ctx context.Context, a *app, in connectInput) (storage.Account, error) {
	reg, ok := a.registry.Get(in.Provider)
	if !ok {
		return storage.Account{}, fmt.Errorf("provider %q is not enabled", in.Provider)
	}
	if _, ok := reg.Source.(source.PerAccount); !ok {
		return storage.Account{}, fmt.Errorf("provider %q does not use accounts", in.Provider)
	}
	if in.AccessToken == "" && in.RefreshToken == "" {
		return storage.Account{}, fmt.Errorf("one of --access-token or --refresh-token is required")
	}

	acct, err := a.store.CreateAccount(ctx, storage.Account{
		Provider:     in.Provider,
		OwnerID:      in.OwnerID,
		ExternalUser: in.ExternalUser,
		Label:        in.Label,
		Active:       true,
	})
	if err != nil {
		return storage.Account{}, err
	}

	cred := storage.Credential{
		AccountID:    acct.ID,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
	}
	switch {
	case in.ExpiresIn > 0:
		cred.ExpiresAt = time.Now().Add(in.ExpiresIn)
	case in.AccessToken == "":
		// Forces a refresh on first use.
		cred.ExpiresAt = time.Now()
	}
	if _, err := a.store.InsertCredential(ctx, cred); err != nil {
		return storage.Account{}, err
	}
	return acct, nil
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run auxiliary backfill jobs",
}

var backfillGenresCmd = &cobra.Command{
	Use:   "genres",
	Short: "Add artist genres to recent Spotify plays",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if a.cfg.Secrets.SpotifyClientID == "" || a.cfg.Secrets.SpotifyClientSecret == "" {
			return fmt.Errorf("spotify.client_id and spotify.client_secret are required")
		}

		ctx, stop := signalContext()
		defer stop()

		tokens := spotify.NewClientCredentials(ctx, a.cfg.Secrets.SpotifyClientID, a.cfg.Secrets.SpotifyClientSecret, "", a.http)
		baseURL := ""
		if a.sources.Spotify != nil {
			baseURL = a.sources.Spotify.BaseURL
		}
		backfill := spotify.NewGenreBackfill(a.store, tokens, baseURL, a.http)

		printStep("Backfilling genres for plays in the last %d days...", days)
		n, err := backfill.Run(ctx, time.Now().AddDate(0, 0, -days), limit)
		if err != nil {
			return err
		}
		printSuccess("Updated %d plays", n)
		return nil
	},
}

func init() {
	backfillGenresCmd.Flags().Int("days", 30, "only plays from the last N days")
	backfillGenresCmd.Flags().Int("limit", 500, "maximum number of plays to examine")
	backfillCmd.AddCommand(backfillGenresCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", k.Key, k.Value, k.EnvVar)
		}
		return tw.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (token, API key) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
