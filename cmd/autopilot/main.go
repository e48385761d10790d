// Command autopilot runs coding sessions for the GUI and editor over a
// websocket server, or a single session in the terminal.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/codefionn/autopilot/internal/pprof"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "autopilot"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	workingDir string
	profiles   pprof.Files
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	flags := &globalFlags{}
	err := rootCmd(flags).Execute()
	if stopErr := flags.profiles.Stop(); stopErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", stopErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd(flags *globalFlags) *cobra.Command {

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Step-based coding assistant",
		Long: `Autopilot drives a coding assistant as a timeline of steps.

- serve: host sessions for the GUI (/ws) and editors (/ide)
- run: run one session in the terminal
- sessions: inspect and delete saved sessions`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return flags.profiles.Start()
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error, none)")
	cmd.PersistentFlags().StringVar(&flags.workingDir, "dir", "", "Workspace directory override")
	cmd.PersistentFlags().StringVar(&flags.profiles.CPU, "cpu-profile", "", "Write a CPU profile to this file")
	cmd.PersistentFlags().StringVar(&flags.profiles.Heap, "heap-profile", "", "Write a heap profile to this file on exit")

	cmd.AddCommand(serveCmd(flags))
	cmd.AddCommand(statusCmd(flags))
	cmd.AddCommand(runCmd(flags))
	cmd.AddCommand(sessionsCmd(flags))
	cmd.AddCommand(statsCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})

	return cmd
}
