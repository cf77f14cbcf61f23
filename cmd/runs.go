package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect extraction run history",
	Long:  "Commands for listing, viewing, and summarizing extraction runs.",
}

var (
	runsStatus  string
	runsCompany string
	runsLimit   int
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent extraction runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:    model.DocumentStatus(runsStatus),
			CompanyID: runsCompany,
			Limit:     runsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Println("no runs found")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its full result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "runs show %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent run outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit := runsLimit
		if limit <= 0 {
			limit = 1000
		}
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (complete, partially_extracted, failed)")
	runsListCmd.Flags().StringVar(&runsCompany, "company", "", "filter by company identifier")
	runsCmd.PersistentFlags().IntVar(&runsLimit, "limit", 50, "max runs to consider")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// truncateID shortens a run ID for the list view.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tRECORDS\tPAGES\tCREATED\tDURATION")
	fmt.Fprintln(w, "--\t--------\t------\t-------\t-----\t-------\t--------")
	for _, r := range runs {
		records, pages, dur := "-", "-", "-"
		if r.Result != nil {
			records = strconv.Itoa(r.Result.Records)
			pages = fmt.Sprintf("%d/%d", r.Result.PagesRead, r.Result.PagesTotal)
			dur = (time.Duration(r.Result.DurationTotal) * time.Millisecond).String()
		}
		doc := r.Document.ID
		if len(doc) > 30 {
			doc = doc[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), doc, r.Status, records, pages,
			r.CreatedAt.Format("2006-01-02 15:04"), dur)
	}
	w.Flush() //nolint:errcheck
}

type runStats struct {
	Total      int
	Complete   int
	Partial    int
	Failed     int
	Other      int
	Records    int
	AvgDurSecs float64
}

func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int
	for _, r := range runs {
		switch r.Status {
		case model.DocumentStatusComplete:
			s.Complete++
		case model.DocumentStatusPartiallyExtracted:
			s.Partial++
		case model.DocumentStatusFailed:
			s.Failed++
		default:
			s.Other++
		}
		if r.Result != nil {
			s.Records += r.Result.Records
			if r.Result.DurationTotal > 0 {
				totalDur += time.Duration(r.Result.DurationTotal) * time.Millisecond
				durCount++
			}
		}
	}
	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "total runs\t%d\n", s.Total)
	fmt.Fprintf(w, "complete\t%d\n", s.Complete)
	fmt.Fprintf(w, "partially extracted\t%d\n", s.Partial)
	fmt.Fprintf(w, "failed\t%d\n", s.Failed)
	if s.Other > 0 {
		fmt.Fprintf(w, "other\t%d\n", s.Other)
	}
	fmt.Fprintf(w, "records persisted\t%d\n", s.Records)
	fmt.Fprintf(w, "avg duration\t%.1fs\n", s.AvgDurSecs)
	w.Flush() //nolint:errcheck
}
