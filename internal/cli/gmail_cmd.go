package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"renewal-mail-engine/internal/config"
	"renewal-mail-engine/internal/transport"
)

var gmailTokenCmd = &cobra.Command{
	Use:   "gmail-token",
	Short: "Obtain a Gmail refresh token",
	Long: `Prints the consent URL for the configured Gmail OAuth client, reads the
authorization code from stdin and prints the refresh token to store on an
oauth2 mail account.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.Gmail.ClientID == "" || cfg.Gmail.ClientSecret == "" {
			return errors.New("GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET must be set")
		}
		oauthCfg := transport.GmailOAuthConfig(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.RedirectURL)

		out := cmd.OutOrStdout()
		authURL := oauthCfg.AuthCodeURL("mail-engine", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		fmt.Fprintf(out, "Open this link in your browser:\n%s\n\n", authURL)
		fmt.Fprint(out, "Paste the 'code' parameter from the redirect URL: ")

		code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		code = strings.TrimSpace(code)
		if code == "" {
			if err != nil {
				return fmt.Errorf("failed to read authorization code: %w", err)
			}
			return errors.New("no authorization code given")
		}

		tok, err := oauthCfg.Exchange(cmd.Context(), code)
		if err != nil {
			return fmt.Errorf("failed to exchange authorization code: %w", err)
		}
		if tok.RefreshToken == "" {
			return errors.New("no refresh token returned; revoke the app's access and try again")
		}
		fmt.Fprintf(out, "\nRefresh token: %s\n", tok.RefreshToken)
		fmt.Fprintf(out, "Access token expires: %v\n", tok.Expiry)
		return nil
	},
}
