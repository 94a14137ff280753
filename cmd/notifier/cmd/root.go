package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_notify/internal/config"
)

var (
	cfgFile    string
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Harbor Notify - signed webhook notification dispatcher",
	Long: `Harbor Notify reads task ids from a Redis stream consumer group, loads the
notify tasks from PostgreSQL, and delivers each one as a signed HTTP callback
to its producer, retrying failures on a fixed backoff schedule.

Configuration comes from an optional YAML file (--config) and NOTIFY_*
environment variables, e.g. NOTIFY_DB_HOST or NOTIFY_CRYPTO_AES_KEY.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

// readConfig returns the raw configuration without validating it.
func readConfig() (config.Config, error) {
	v, err := config.Read(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	return config.Decode(v)
}

// printOutput writes v as indented JSON when --json is set, else with %v.
func printOutput(w io.Writer, v any) error {
	if outputJSON {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	_, err := fmt.Fprintf(w, "%v\n", v)
	return err
}
