package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/searchguard/internal/bypass"
	"github.com/JakeFAU/searchguard/internal/engine"
	"github.com/JakeFAU/searchguard/internal/indicator"
	"github.com/JakeFAU/searchguard/internal/match"
	"github.com/JakeFAU/searchguard/internal/options"
	"github.com/JakeFAU/searchguard/internal/state"
)

// now is replaced in tests.
var now = time.Now

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether blocking is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := appInstance.GetClient().GetState(cmd.Context())
			if err != nil {
				return fmt.Errorf("get state: %w", err)
			}
			t := now()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:    %s\n", options.StatusLine(cfg, t))
			fmt.Fprintf(out, "words:     %d\n", len(cfg.WordList))
			fmt.Fprintf(out, "blocked:   %d\n", cfg.BlockedCount)
			fmt.Fprintf(out, "indicator: %t\n", indicator.Compute(cfg, t).Visible())
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	var fromURL bool
	cmd := &cobra.Command{
		Use:   "check <query>",
		Short: "Report whether a query would be blocked",
		Long: `check runs the matcher against the current word list and settings without
touching any browser tab. With --url the argument is a search results URL and
the query is read from it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			query := args[0]
			if fromURL {
				query = engine.QueryFromURL(args[0])
				if query == "" {
					return fmt.Errorf("no search query in %s", args[0])
				}
			}
			cfg, err := appInstance.GetClient().GetState(cmd.Context())
			if err != nil {
				return fmt.Errorf("get state: %w", err)
			}
			out := cmd.OutOrStdout()
			word, ok := match.FindMatch(query, cfg.WordList, cfg.Settings)
			if !ok {
				fmt.Fprintln(out, "allowed")
				return nil
			}
			if st := bypass.StatusAt(cfg, now()); st.Bypassed {
				fmt.Fprintf(out, "matches %q, allowed while bypassed\n", word)
				return nil
			}
			fmt.Fprintf(out, "blocked: matches %q\n", word)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromURL, "url", false, "treat the argument as a search URL")
	return cmd
}

func newWordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "words",
		Short: "List or edit the NG word list",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print the word list, one entry per line",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				appInstance, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				cfg, err := appInstance.GetClient().GetState(cmd.Context())
				if err != nil {
					return fmt.Errorf("get state: %w", err)
				}
				for _, w := range cfg.WordList {
					fmt.Fprintln(cmd.OutOrStdout(), w)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set [file]",
			Short: "Replace the word list with the lines of file (or stdin)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				text, err := readInput(cmd, args)
				if err != nil {
					return err
				}
				return writeWords(cmd, func([]string) []string { return options.ParseWordList(string(text)) })
			},
		},
		&cobra.Command{
			Use:   "add <word>...",
			Short: "Append words that are not already listed",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return writeWords(cmd, func(cur []string) []string {
					return options.AddWords(cur, strings.Join(args, "\n"))
				})
			},
		},
		&cobra.Command{
			Use:   "remove <word>",
			Short: "Remove one word from the list",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				appInstance, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				ack, err := appInstance.GetClient().Call(cmd.Context(), http.MethodDelete, "/v1/words/"+url.PathEscape(args[0]), nil)
				if err != nil {
					return fmt.Errorf("remove %q: %w", args[0], err)
				}
				if ack.State != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%d words\n", len(ack.State.WordList))
				}
				return nil
			},
		},
	)
	return cmd
}

// writeWords reads the current list, applies edit, and stores the result.
func writeWords(cmd *cobra.Command, edit func([]string) []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	client := appInstance.GetClient()
	cfg, err := client.GetState(cmd.Context())
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	cfg, err = client.SetState(cmd.Context(), state.WithWordList(edit(cfg.WordList)))
	if err != nil {
		return fmt.Errorf("set word list: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d words\n", len(cfg.WordList))
	return nil
}

func newSettingsCmd() *cobra.Command {
	var pattern, boundary, showIndicator bool
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the matching settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			client := appInstance.GetClient()
			var patch state.SettingsPatch
			if cmd.Flags().Changed("pattern") {
				patch.UsePatternMode = &pattern
			}
			if cmd.Flags().Changed("boundary") {
				patch.UseWordBoundary = &boundary
			}
			if cmd.Flags().Changed("indicator") {
				patch.ShowIndicator = &showIndicator
			}

			var cfg state.Configuration
			if patch.Empty() {
				cfg, err = client.GetState(cmd.Context())
			} else {
				cfg, err = client.SetState(cmd.Context(), state.Patch{Settings: &patch})
			}
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pattern:   %t\n", cfg.Settings.UsePatternMode)
			fmt.Fprintf(out, "boundary:  %t\n", cfg.Settings.UseWordBoundary)
			fmt.Fprintf(out, "indicator: %t\n", cfg.Settings.ShowIndicator)
			return nil
		},
	}
	cmd.Flags().BoolVar(&pattern, "pattern", false, "treat entries as regular expressions")
	cmd.Flags().BoolVar(&boundary, "boundary", false, "match ASCII words on word boundaries")
	cmd.Flags().BoolVar(&showIndicator, "indicator", true, "show the blocking indicator")
	return cmd
}

func newBypassCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bypass",
		Short: "Suspend or resume blocking",
	}
	var minutes int
	start := &cobra.Command{
		Use:   "start",
		Short: "Suspend blocking for a number of minutes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if minutes <= 0 {
				return fmt.Errorf("--minutes must be positive, got %d", minutes)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ack, err := appInstance.GetClient().Call(cmd.Context(), http.MethodPost, "/v1/bypass", map[string]int{"minutes": minutes})
			if err != nil {
				return fmt.Errorf("start bypass: %w", err)
			}
			if ack.State != nil {
				if until, ok := ack.State.BypassDeadline(); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "blocking suspended until %s\n", until.Local().Format(time.Kitchen))
					return nil
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "blocking suspended")
			return nil
		},
	}
	start.Flags().IntVar(&minutes, "minutes", options.DurationChoices[1], "bypass length in minutes")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Resume blocking now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := appInstance.GetClient().Call(cmd.Context(), http.MethodDelete, "/v1/bypass", nil); err != nil {
				return fmt.Errorf("stop bypass: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "blocking active")
			return nil
		},
	}
	cmd.AddCommand(start, stop)
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print configuration changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			changes, err := appInstance.GetClient().Subscribe(cmd.Context())
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			for change := range changes {
				keys := make([]string, 0, len(change.Keys))
				for _, k := range change.Keys {
					keys = append(keys, string(k))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s changed: %s\n", now().Format(time.TimeOnly), strings.Join(keys, ", "))
			}
			return nil
		},
	}
}

// readInput returns the contents of args[0], or stdin when no file or "-" is given.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}
