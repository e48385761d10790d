package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/codefionn/autopilot/internal/session"
	"github.com/spf13/cobra"
)

func sessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved sessions",
	}
	cmd.AddCommand(sessionsListCmd(flags))
	cmd.AddCommand(sessionsShowCmd(flags))
	cmd.AddCommand(sessionsDeleteCmd(flags))
	return cmd
}

// withApp runs fn with a loaded app and closes it afterwards.
func withApp(flags *globalFlags, fn func(a *app) error) (err error) {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}

func sessionsListCmd(flags *globalFlags) *cobra.Command {
	var (
		all      bool
		jsonOut  bool
		maxItems int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				workspace := ""
				if !all {
					dir, err := a.workspace()
					if err != nil {
						return err
					}
					if abs, err := filepath.Abs(dir); err == nil {
						dir = abs
					}
					workspace = dir
				}
				list, err := a.store.List(workspace)
				if err != nil {
					return err
				}
				if maxItems > 0 && len(list) > maxItems {
					list = list[:maxItems]
				}
				if jsonOut {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				sessionTable(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "List sessions of every workspace")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	cmd.Flags().IntVarP(&maxItems, "limit", "n", 0, "Show at most this many sessions")
	return cmd
}

func sessionsShowCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOut bool
		width   int
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the timeline of a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				state, err := a.store.Load(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(state)
				}
				view := newTranscript(cmd.OutOrStdout(), width)
				view.header(state.SessionInfo)
				view.all(*state)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the stored state as JSON")
	cmd.Flags().IntVar(&width, "width", 0, "Word wrap width (0 uses the terminal width)")
	return cmd
}

func sessionsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete saved sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				var errs []error
				for _, id := range args {
					if err := a.store.Delete(id); err != nil {
						if errors.Is(err, session.ErrNotFound) {
							err = fmt.Errorf("session %s not found", id)
						}
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func statsCmd(flags *globalFlags) *cobra.Command {
	var stepsOf string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the dev data log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				if a.devdata == nil {
					return errors.New("dev data is disabled; set dev_data_path in the config")
				}
				out := cmd.OutOrStdout()

				if stepsOf != "" {
					records, err := a.devdata.Steps(cmd.Context(), stepsOf, 0)
					if err != nil {
						return err
					}
					for _, r := range records {
						line := fmt.Sprintf("%s  %-24s depth=%d %dms", r.CreatedAt.Local().Format("15:04:05"), r.Name, r.Depth, r.DurationMS)
						if r.ErrorTitle != "" {
							line += "  " + errorStyle.Render(r.ErrorTitle)
						}
						fmt.Fprintln(out, line)
					}
					return nil
				}

				stats, err := a.devdata.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, headerStyle.Render("Steps"))
				fmt.Fprintf(out, "  %d run, %d failed\n", stats.Steps, stats.FailedSteps)
				fmt.Fprintln(out, headerStyle.Render("Prompt tokens"))
				models := make([]string, 0, len(stats.PromptTokens))
				for m := range stats.PromptTokens {
					models = append(models, m)
				}
				sort.Strings(models)
				for _, m := range models {
					fmt.Fprintf(out, "  %-32s %d\n", m, stats.PromptTokens[m])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&stepsOf, "session", "", "List the recorded steps of this session")
	return cmd
}
