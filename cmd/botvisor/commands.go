package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type deployFlags struct {
	Name     string
	Strategy string
	File     string
	Set      []string
}

func createDeployCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &deployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a bot",
		Long: `Deploy a bot from a strategy.

The bot config is read from --file (JSON with comments allowed) and
individual keys can be overridden with --set key=value. Dotted keys address
nested objects; values are parsed as JSON when possible.

Examples:
  botvisor deploy --name=pmm-btc --strategy=pmm --file=bot.jsonc
  botvisor deploy --name=pmm-btc --strategy=pmm --set spread=0.2 --set market.pair=BTC-USDT`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildDeployRequest(f)
			if err != nil {
				return err
			}
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			inst, err := c.Deploy(cmd.Context(), req)
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(cmd.OutOrStdout(), inst)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deployed %s run=%s state=%s\n", inst.Name, inst.RunID, inst.State)
			return err
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "bot name")
	cmd.Flags().StringVar(&f.Strategy, "strategy", "", "strategy reference")
	cmd.Flags().StringVarP(&f.File, "file", "f", "", "bot config file (JSON or JSONC)")
	cmd.Flags().StringArrayVar(&f.Set, "set", nil, "config override key=value (repeatable)")
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a bot",
		Long: `Stop a bot and wait until it has settled. With --archive the run's event
log is exported to the archive before the bot is released.

Examples:
  botvisor stop pmm-btc
  botvisor stop pmm-btc --archive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			res, err := c.Stop(cmd.Context(), args[0], archive)
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.Name, res.State)
			return err
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "archive the run after stopping")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show a bot's lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
}

func createListCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List bots known to the daemon",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(cmd.OutOrStdout(), list)
			}
			return printTable(cmd.OutOrStdout(), list)
		},
	}
}

func createLogsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var (
		tail   int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print a bot's container output",
		Long: `Print the last lines of a bot's container output. With --follow new lines
are streamed until the bot stops or the command is interrupted.

Examples:
  botvisor logs pmm-btc --tail=50
  botvisor logs pmm-btc -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if follow {
				return c.FollowLogs(cmd.Context(), args[0], tail, func(line string) error {
					_, err := fmt.Fprintln(out, line)
					return err
				})
			}
			lines, err := c.Logs(cmd.Context(), args[0], tail)
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(out, lines)
			}
			_, err = fmt.Fprintln(out, strings.Join(lines, "\n"))
			return err
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "number of lines to show (0 uses the daemon default)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines")
	return cmd
}

func createStateCommand(globalFlags *GlobalFlags) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "state <name>",
		Short: "Show a bot's latest-state projection",
		Long: `Show the latest-state projection folded from the bot's status events.
With --rebuild the daemon replays the event log first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			get := c.Latest
			if rebuild {
				get = c.Rebuild
			}
			st, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "replay the event log before reading")
	return cmd
}

func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "events <name>",
		Short: "Print a bot's persisted event log",
		Long: `Print the persisted status events of a bot's current run, or of its last
archived run once the bot is gone. --run selects any other run.

Examples:
  botvisor events pmm-btc
  botvisor events pmm-btc --run=3f0c... -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			res, err := c.Events(cmd.Context(), args[0], runID)
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			return printEvents(cmd.OutOrStdout(), res.Events)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the current or last archived run)")
	return cmd
}

func createArchivesCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "archives [name]",
		Short: "List archived runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(globalFlags)
			if err != nil {
				return err
			}
			var bot string
			if len(args) == 1 {
				bot = args[0]
			}
			recs, err := c.Archives(cmd.Context(), bot)
			if err != nil {
				return err
			}
			if globalFlags.Output == "json" {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			return printArchives(cmd.OutOrStdout(), recs)
		},
	}
}
