package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/proceedings-crawler/internal/clock/system"
	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	"github.com/JakeFAU/proceedings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/proceedings-crawler/internal/runstore"
)

// yearStats counts the papers of one year and the fields missing from them.
type yearStats struct {
	Year    string
	Papers  int
	Missing map[string]int
}

// computeStats groups records by year, newest year first. Records without a
// year are reported under "unknown".
func computeStats(records []crawler.PaperRecord) []yearStats {
	byYear := make(map[string]*yearStats)
	for _, rec := range records {
		year := rec.Year
		if year == "" {
			year = "unknown"
		}
		ys, ok := byYear[year]
		if !ok {
			ys = &yearStats{Year: year, Missing: make(map[string]int)}
			byYear[year] = ys
		}
		ys.Papers++
		for _, field := range rec.MissingFields() {
			ys.Missing[field]++
		}
	}
	out := make([]yearStats, 0, len(byYear))
	for _, ys := range byYear {
		out = append(out, *ys)
	}
	slices.SortFunc(out, func(a, b yearStats) int { return strings.Compare(b.Year, a.Year) })
	return out
}

func newStatsCmd() *cobra.Command {
	var (
		runDir string
		words  int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints papers per year for a run",
		Long: `Reads a run's cumulative CSV and prints the number of papers per year,
newest first, with counts of papers missing a title, authors, or abstract.
Defaults to the most recent run. With --words N it also lists the N most
frequent abstract terms.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			outputDir := appInstance.Config.Archive.OutputDir
			selector := runstore.NewSelector(outputDir, system.New(), nil, appInstance.Logger.Named("runstore"))

			dir := runDir
			switch {
			case dir == "":
				dir, err = selector.Latest()
				if err != nil {
					return err
				}
				if dir == "" {
					return fmt.Errorf("%w: no runs under %s", crawler.ErrRunNotFound, outputDir)
				}
			case !filepath.IsAbs(dir):
				dir = filepath.Join(outputDir, dir)
			}

			store, err := runstore.Open(dir, sha256.New(), appInstance.Logger.Named("runstore"))
			if err != nil {
				return err
			}
			records, err := store.ReadCumulative()
			if err != nil {
				return fmt.Errorf("read cumulative records: %w", err)
			}
			renderStats(cmd.OutOrStdout(), store.Name(), computeStats(records))
			if words > 0 {
				renderWords(cmd.OutOrStdout(), store.Name(), topWords(records, words))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory to report on (default: most recent)")
	cmd.Flags().IntVar(&words, "words", 0, "also list the N most frequent abstract terms")
	return cmd
}

func renderStats(out io.Writer, run string, stats []yearStats) {
	t := newTable(out)
	t.SetTitle("Papers per year: " + run)
	t.AppendHeader(table.Row{"Year", "Papers", "No title", "No authors", "No abstract"})
	var total, noTitle, noAuthors, noAbstract int
	for _, ys := range stats {
		t.AppendRow(table.Row{
			ys.Year,
			ys.Papers,
			ys.Missing[crawler.FieldTitle],
			ys.Missing[crawler.FieldAuthors],
			ys.Missing[crawler.FieldAbstract],
		})
		total += ys.Papers
		noTitle += ys.Missing[crawler.FieldTitle]
		noAuthors += ys.Missing[crawler.FieldAuthors]
		noAbstract += ys.Missing[crawler.FieldAbstract]
	}
	t.AppendFooter(table.Row{"Total", total, noTitle, noAuthors, noAbstract})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()
}
