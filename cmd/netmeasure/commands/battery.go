package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vi/netmeasure2/internal/battery"
	"github.com/vi/netmeasure2/internal/visualise"
)

func batteryCmd() *cobra.Command {
	var (
		addr            string
		big             bool
		maxRetries      int
		waitBeforeRetry time.Duration
		output          string
		rawDumpDir      string
		printSummary    bool
	)

	cmd := &cobra.Command{
		Use:   "battery",
		Short: "Run a deterministic sweep of experiments against a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var points = battery.Generate()
			if big {
				points = battery.GenerateBig()
			}

			docs, err := battery.Run(context.Background(), battery.Config{
				ServerAddr:      addr,
				MaxRetries:      maxRetries,
				WaitBeforeRetry: waitBeforeRetry,
				RawDumpDir:      rawDumpDir,
				Logger:          defaultCLILogger(),
			}, points)
			if err != nil && len(docs) == 0 {
				return fmt.Errorf("run battery: %w", err)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "battery aborted:", err)
			}

			if printSummary {
				visualise.Summary(os.Stdout, docs, visualise.SortByKbps)
			}

			b, merr := json.MarshalIndent(docs, "", "  ")
			if merr != nil {
				return fmt.Errorf("marshal results: %w", merr)
			}
			b = append(b, '\n')
			if output == "" {
				_, werr := os.Stdout.Write(b)
				return werr
			}
			return os.WriteFile(output, b, 0o644)
		},
	}

	cmd.Flags().StringVar(&addr, "server", "127.0.0.1:9100", "server address (host:port)")
	cmd.Flags().BoolVar(&big, "big", false, "use the \"big\" profile instead of \"normal\"")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 4, "maximum retries if a non-first experiment fails")
	cmd.Flags().DurationVar(&waitBeforeRetry, "wait-before-retry", 30*time.Second, "wait before retrying a failed experiment")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON array of ResultsForStoring to this path (default: stdout)")
	cmd.Flags().StringVarP(&rawDumpDir, "raw-dump-dir", "R", "", "save each experiment's raw received-frame data under this directory")
	cmd.Flags().BoolVarP(&printSummary, "summary", "S", false, "print the battery summary table to stdout")

	return cmd
}
