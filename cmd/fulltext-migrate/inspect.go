package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/fulltext-migrate/pkg/checkpoint"
	"github.com/Sternrassler/fulltext-migrate/pkg/journal"
)

// stateReport summarizes the state directory.
type stateReport struct {
	Dir       string
	Cursor    string
	CursorAge time.Duration
	KeepAlive time.Duration
	InFlight  int
	Failed    int
	Uploaded  int
}

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the saved checkpoint and outcome logs",
		Long: `Inspect prints the saved scroll cursor and its age, the number of ids the
next run will re-fetch, and the sizes of the uploaded and failed logs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return &exitError{code: ExitInvalidConfig, err: err}
			}

			report, err := inspectState(cfg.StateDir, time.Now())
			if err != nil {
				return &exitError{code: ExitFatal, err: err}
			}
			report.KeepAlive = cfg.Source.ScrollKeepAlive
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
}

func inspectState(dir string, now time.Time) (*stateReport, error) {
	store, err := checkpoint.NewStore(dir, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	cp, err := store.Load()
	if err != nil {
		return nil, err
	}

	failed, err := journal.ReadIDs(filepath.Join(dir, journal.FailedFile))
	if err != nil {
		return nil, err
	}
	uploaded, err := journal.CountLines(filepath.Join(dir, journal.UploadedFile))
	if err != nil {
		return nil, err
	}

	report := &stateReport{
		Dir:      dir,
		Cursor:   cp.Cursor,
		InFlight: len(cp.InFlight),
		Failed:   len(failed),
		Uploaded: uploaded,
	}
	if cp.Cursor != "" && !cp.CursorSavedAt.IsZero() {
		report.CursorAge = now.Sub(cp.CursorSavedAt)
	}
	return report, nil
}

func (r *stateReport) print(w io.Writer) {
	fmt.Fprintf(w, "state dir:  %s\n", r.Dir)
	if r.Cursor == "" {
		fmt.Fprintln(w, "cursor:     (none)")
	} else {
		fmt.Fprintf(w, "cursor:     %s\n", r.Cursor)
		age := r.CursorAge.Truncate(time.Second)
		if r.KeepAlive > 0 && r.CursorAge > r.KeepAlive {
			fmt.Fprintf(w, "cursor age: %s (expired, keep-alive %s)\n", age, r.KeepAlive)
		} else {
			fmt.Fprintf(w, "cursor age: %s\n", age)
		}
	}
	fmt.Fprintf(w, "in-flight:  %d\n", r.InFlight)
	fmt.Fprintf(w, "failed:     %d\n", r.Failed)
	fmt.Fprintf(w, "uploaded:   %d\n", r.Uploaded)
}
