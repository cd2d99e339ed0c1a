package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/botvisor/botvisor/pkg/template"
)

func createTemplateCommand() *cobra.Command {
	var (
		name   string
		output string
	)
	gen := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template <type>",
		Short: "Generate a starter deploy file",
		Long: fmt.Sprintf(`Generate a deploy file for a strategy type. The result can be edited and
passed to "botvisor deploy --file".

Supported types: %s

Examples:
  botvisor template pmm --name=pmm-btc > pmm-btc.json
  botvisor template xemm -w arb.json`, strings.Join(gen.SupportedTypes(), ", ")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := gen.GenerateJSON(args[0], name)
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name (default <type>-bot)")
	cmd.Flags().StringVarP(&output, "write", "w", "", "write to file instead of stdout")
	return cmd
}
