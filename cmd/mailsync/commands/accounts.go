package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and repair sender accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and their reconnect state",
	RunE:  runAccountsList,
}

var accountsReconnectCmd = &cobra.Command{
	Use:   "reconnect <account-id>",
	Short: "Clear an account's reconnect flag",
	Long: `Clear the needs-reconnect flag set after a permanent sync failure
so the poller picks the account up again. Fix the credentials first.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsReconnect,
}

var accountsSetSecretCmd = &cobra.Command{
	Use:   "set-secret <account-id>",
	Short: "Store an account's IMAP secret in the system keyring",
	Long: `Read the IMAP secret from stdin and store it in the system keyring.
It is used when the account record carries no password.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsSetSecret,
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsReconnectCmd)
	accountsCmd.AddCommand(accountsSetSecretCmd)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	_, _, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	accts, err := st.GetAccounts(context.Background())
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(accts)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tHOST\tACTIVE\tRECONNECT")
	for _, a := range accts {
		reconnect := "-"
		if a.NeedsReconnect {
			reconnect = a.ReconnectReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%t\t%s\n",
			a.ID, a.Email, a.Host(), a.Port(), a.Active, reconnect)
	}
	return w.Flush()
}

func runAccountsReconnect(cmd *cobra.Command, args []string) error {
	_, _, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ClearAccountReconnect(context.Background(), args[0]); err != nil {
		return err
	}

	fmt.Printf("Account %s will be synced on the next round\n", args[0])
	return nil
}

func runAccountsSetSecret(cmd *cobra.Command, args []string) error {
	_, _, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	acct, err := st.GetAccount(context.Background(), args[0])
	if err != nil {
		return err
	}

	secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && secret == "" {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("secret must not be empty")
	}

	ring, err := credential.Open()
	if err != nil {
		return err
	}
	if err := ring.Set(credential.IMAPKey(acct.ID), secret); err != nil {
		return err
	}

	fmt.Printf("Stored IMAP secret for %s\n", acct.Email)
	return nil
}
