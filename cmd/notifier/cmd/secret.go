package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_notify/internal/cipher"
)

var aesKey string

// encryptSecretCmd produces the secret_key column value for a new secret.
var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret <plaintext>",
	Short: "Encrypt a producer secret key for storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := secretCipher()
		if err != nil {
			return err
		}
		out, err := c.Encrypt(args[0])
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		return printSecret(cmd, "ciphertext", out)
	},
}

var decryptSecretCmd = &cobra.Command{
	Use:   "decrypt-secret <ciphertext>",
	Short: "Decrypt a stored producer secret key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := secretCipher()
		if err != nil {
			return err
		}
		out, err := c.Decrypt(args[0])
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
		return printSecret(cmd, "plaintext", out)
	},
}

// secretCipher uses --key, falling back to crypto.aes_key from config or env.
func secretCipher() (*cipher.Cipher, error) {
	key := aesKey
	if key == "" {
		cfg, err := readConfig()
		if err != nil {
			return nil, err
		}
		key = cfg.Crypto.AESKey
	}
	c, err := cipher.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto.aes_key: %w", err)
	}
	return c, nil
}

func printSecret(cmd *cobra.Command, field, value string) error {
	if outputJSON {
		return printOutput(cmd.OutOrStdout(), map[string]string{field: value})
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), value)
	return err
}

func init() {
	for _, c := range []*cobra.Command{encryptSecretCmd, decryptSecretCmd} {
		c.Flags().StringVar(&aesKey, "key", "", "32-character passphrase (default crypto.aes_key)")
		rootCmd.AddCommand(c)
	}
}
