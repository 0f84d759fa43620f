package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/todosync/internal/account"
	"github.com/mschirtzinger/todosync/internal/ui"
)

// secretEnv holds the password or token when it is not given interactively.
const secretEnv = "TODOSYNC_SECRET"

var accountCmd = &cobra.Command{
	Use:     "account",
	GroupID: "setup",
	Short:   "Manage CalDAV accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Add or update a CalDAV account",
	Long: `Add a CalDAV account. On a terminal, missing fields are asked for
interactively. Otherwise pass them as flags; the secret is read from
--secret or the ` + secretEnv + ` environment variable.

The first account added becomes the active one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acct := &account.Account{CreatedAt: time.Now().UTC()}
		if len(args) == 1 {
			acct.ID = args[0]
		}
		acct.ServerURL, _ = cmd.Flags().GetString("url")
		acct.Username, _ = cmd.Flags().GetString("user")
		kind, _ := cmd.Flags().GetString("kind")
		acct.Kind = account.CredentialKind(kind)
		acct.Secret, _ = cmd.Flags().GetString("secret")
		if acct.Secret == "" {
			acct.Secret = os.Getenv(secretEnv)
		}

		if term.IsTerminal(int(os.Stdin.Fd())) {
			if err := accountForm(acct).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return nil
				}
				return err
			}
		}
		if acct.ID == "" {
			acct.ID = defaultAccountID(acct)
		}
		if err := acct.Validate(); err != nil {
			return fmt.Errorf("invalid account: %w", err)
		}
		if acct.ServerURL == "" {
			return fmt.Errorf("invalid account: server url is required")
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		existing, err := a.store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		acct.Active = len(existing) == 0
		for _, e := range existing {
			if e.ID == acct.ID {
				acct.Active = e.Active
				acct.CreatedAt = e.CreatedAt
			}
		}
		if err := a.store.UpsertAccount(ctx, acct); err != nil {
			return err
		}

		fmt.Printf("%s Saved account %s (%s)\n", ui.RenderPass("✓"), acct.ID, acct.ServerURL)
		if acct.Active {
			fmt.Printf("   Active account. Run 'todosync sync' to fetch your task lists.\n")
		} else {
			fmt.Printf("   Run 'todosync account use %s' to switch to it.\n", acct.ID)
		}
		return nil
	},
}

// accountForm asks for the fields of acct that are still empty.
func accountForm(acct *account.Account) *huh.Form {
	if acct.Kind == "" {
		acct.Kind = account.Basic
	}
	var fields []huh.Field
	if acct.ServerURL == "" {
		fields = append(fields, huh.NewInput().
			Title("Server URL").
			Placeholder("https://cloud.example.com").
			Value(&acct.ServerURL).
			Validate(func(s string) error {
				u, err := url.Parse(s)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return fmt.Errorf("enter an http(s) URL")
				}
				return nil
			}))
	}
	fields = append(fields, huh.NewSelect[string]().
		Title("Authentication").
		Options(
			huh.NewOption("Username and app password", string(account.Basic)),
			huh.NewOption("OAuth bearer token", string(account.Bearer)),
		).
		Value((*string)(&acct.Kind)))
	if acct.Username == "" {
		fields = append(fields, huh.NewInput().Title("Username").Value(&acct.Username))
	}
	if acct.Secret == "" {
		fields = append(fields, huh.NewInput().
			Title("Password or token").
			EchoMode(huh.EchoModePassword).
			Value(&acct.Secret))
	}

	return huh.NewForm(huh.NewGroup(fields...)).
		WithAccessible(os.Getenv("ACCESSIBLE") != "")
}

// defaultAccountID derives an id such as "alice@cloud.example.com".
func defaultAccountID(acct *account.Account) string {
	host := acct.ServerURL
	if u, err := url.Parse(acct.ServerURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if acct.Username == "" {
		return host
	}
	return acct.Username + "@" + host
}

var accountLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		accts, err := a.store.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		if ok, err := printStructured(cmd, accts); ok {
			return err
		}
		if len(accts) == 0 {
			fmt.Printf("%s No accounts (run 'todosync account add')\n", ui.RenderWarn("⚠"))
			return nil
		}
		for _, acct := range accts {
			marker := "  "
			if acct.Active {
				marker = ui.RenderPass("* ")
			}
			fmt.Printf("%s%s  %s  %s\n", marker, acct.ID, acct.ServerURL, ui.RenderMuted(string(acct.Kind)))
		}
		return nil
	},
}

var accountUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Switch the active account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		id := strings.TrimSpace(args[0])
		if err := a.store.SetActiveAccount(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to switch to account %s: %w", id, err)
		}
		fmt.Printf("%s Active account: %s\n", ui.RenderPass("✓"), id)
		return nil
	},
}

func init() {
	accountAddCmd.Flags().String("url", "", "CalDAV server URL")
	accountAddCmd.Flags().String("user", "", "username")
	accountAddCmd.Flags().String("kind", string(account.Basic), "credential kind: basic or bearer")
	accountAddCmd.Flags().String("secret", "", "password or token (prefer "+secretEnv+")")
	addOutputFlags(accountLsCmd)

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountLsCmd)
	accountCmd.AddCommand(accountUseCmd)
	rootCmd.AddCommand(accountCmd)
}
