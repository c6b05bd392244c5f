package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"renewal-mail-engine/internal/config"
	"renewal-mail-engine/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Credential vault",
	Long:  `Seals and opens mailbox and provider credentials with the configured VAULT_SECRET.`,
}

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt [plaintext]",
	Short: "Seal a credential",
	Long:  `Seals the argument, or the first line of stdin when no argument is given, and prints the ciphertext.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		plaintext, err := secretInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		sealed, err := v.Encrypt(plaintext)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var vaultDecryptCmd = &cobra.Command{
	Use:   "decrypt [ciphertext]",
	Short: "Open a sealed credential",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		sealed, err := secretInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		plaintext, err := v.Decrypt(sealed)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), plaintext)
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultEncryptCmd)
	vaultCmd.AddCommand(vaultDecryptCmd)
}

// openVault needs only the vault secret, not a database
func openVault() (*vault.Vault, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return vault.New(cfg.Vault.Secret)
}

func secretInput(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no input given")
	}
	return line, nil
}
