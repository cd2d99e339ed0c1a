package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// API connection
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Output     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createDeployCommand(flags),
		createStopCommand(flags),
		createStatusCommand(flags),
		createListCommand(flags),
		createLogsCommand(flags),
		createStateCommand(flags),
		createEventsCommand(flags),
		createArchivesCommand(flags),
		createTemplateCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botvisor",
		Short: "Trading bot lifecycle orchestrator",
		Long: `Botvisor runs trading bots as containers, tracks their lifecycle from their
heartbeats and events, and archives finished runs.

Examples:
  botvisor serve --config=botvisor.toml
  botvisor deploy --name=pmm-btc --strategy=pmm --file=bot.jsonc
  botvisor status pmm-btc
  botvisor stop pmm-btc --archive
  botvisor archives pmm-btc
  botvisor list --api-url=http://remote:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default $BOTVISOR_API_URL or http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", "table", "output format: table or json")
	return root
}
