package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shepherd/internal/journal"
	"shepherd/internal/pipeline"
	"shepherd/internal/services"
)

type statusReport struct {
	Project string                 `json:"project"`
	Journal string                 `json:"journal"`
	States  map[pipeline.State]int `json:"states"`
	Failed  int                    `json:"failed"`
	Retired int                    `json:"retired"`
	Items   []statusItem           `json:"items"`
}

type statusItem struct {
	Key       string         `json:"key"`
	Kind      string         `json:"kind"`
	State     pipeline.State `json:"state"`
	Frames    int            `json:"frames,omitempty"`
	Expected  int            `json:"expected_frames,omitempty"`
	Failure   string         `json:"failure,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var failedOnly bool
	var historyKey string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline journal of the current or last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := journal.Open(cfg.JournalPath())
			if err != nil {
				if errors.Is(err, services.ErrNotFound) {
					return fmt.Errorf("no journal for project %q at %s; start `shepherd run` first", cfg.Project.Name, cfg.JournalPath())
				}
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()

			if key := strings.TrimSpace(historyKey); key != "" {
				history, err := store.History(cmd.Context(), key)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, history)
				}
				printHistory(cmd.OutOrStdout(), key, history)
				return nil
			}

			summary, err := store.Summarize(cmd.Context())
			if err != nil {
				return err
			}
			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			report := statusReport{
				Project: cfg.Project.Name,
				Journal: store.Path(),
				States:  summary.States,
				Failed:  summary.Failed,
				Retired: summary.Retired,
				Items:   make([]statusItem, 0, len(records)),
			}
			for _, rec := range records {
				if failedOnly && !rec.Failed() {
					continue
				}
				report.Items = append(report.Items, statusItem{
					Key:       rec.Key,
					Kind:      rec.Kind,
					State:     rec.State,
					Frames:    rec.Frames,
					Expected:  rec.ExpectedFrames,
					Failure:   rec.Failure,
					UpdatedAt: rec.UpdatedAt,
				})
			}
			if jsonOutput {
				return writeJSON(cmd, report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of tables")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only list items that recorded a failure")
	cmd.Flags().StringVar(&historyKey, "history", "", "Print the transition history of one item key")
	return cmd
}

func printStatus(out io.Writer, report statusReport) {
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Project "+report.Project, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Journal", statusInfo, report.Journal, colorize))
	active := 0
	for _, n := range report.States {
		active += n
	}
	fmt.Fprintln(out, renderStatusLine("Active", statusInfo, strconv.Itoa(active), colorize))
	fmt.Fprintln(out, renderStatusLine("Retired", statusOK, strconv.Itoa(report.Retired), colorize))
	failedKind := statusOK
	if report.Failed > 0 {
		failedKind = statusError
	}
	fmt.Fprintln(out, renderStatusLine("Failed", failedKind, strconv.Itoa(report.Failed), colorize))

	stateRows := make([][]string, 0, len(pipeline.States))
	for _, state := range pipeline.States {
		if n := report.States[state]; n > 0 {
			stateRows = append(stateRows, []string{state.Label(), strconv.Itoa(n)})
		}
	}
	if len(stateRows) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderTable("", []string{"State", "Items"}, stateRows, []columnAlignment{alignLeft, alignRight}))
	}

	if len(report.Items) == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Items))
	for _, item := range report.Items {
		frames := ""
		if item.Expected > 0 {
			frames = fmt.Sprintf("%d/%d", item.Frames, item.Expected)
		}
		rows = append(rows, []string{
			filepath.Base(item.Key),
			item.Kind,
			item.State.Label(),
			frames,
			item.UpdatedAt.Local().Format(time.DateTime),
			item.Failure,
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable("Items",
		[]string{"File", "Kind", "State", "Frames", "Updated", "Failure"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
}

func printHistory(out io.Writer, key string, history []journal.TransitionRecord) {
	if len(history) == 0 {
		fmt.Fprintf(out, "No transitions recorded for %s\n", key)
		return
	}
	rows := make([][]string, 0, len(history))
	for _, rec := range history {
		rows = append(rows, []string{
			rec.At.Local().Format("15:04:05.000"),
			string(rec.Transition),
			rec.From.Label(),
			rec.To.Label(),
		})
	}
	fmt.Fprintln(out, renderTable(key, []string{"At", "Transition", "From", "To"}, rows, nil))
}
