package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/visualise"
)

func showBatCmd() *cobra.Command {
	var sortBy string

	cmd := &cobra.Command{
		Use:   "showbat <battery.json>",
		Short: "Render a battery's array of ResultsForStoring as a summary table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read battery: %w", err)
			}
			var docs []experiment.ResultsForStoring
			if err := json.Unmarshal(b, &docs); err != nil {
				return fmt.Errorf("parse battery: %w", err)
			}

			visualise.Summary(os.Stdout, docs, visualise.ParseSortKey(sortBy))
			return nil
		},
	}

	cmd.Flags().StringVar(&sortBy, "sort", "kbps", "sort key: kbps|time|size|rate")
	return cmd
}
