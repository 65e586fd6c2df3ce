package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/visualise"
)

func showCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "show <results.json>",
		Short: "Render a single ResultsForStoring document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read results: %w", err)
			}
			var doc experiment.ResultsForStoring
			if err := json.Unmarshal(b, &doc); err != nil {
				return fmt.Errorf("parse results: %w", err)
			}

			fmt.Println(visualise.SummaryHeader)
			fmt.Println(visualise.SummaryLine(doc))

			if !verbose {
				return nil
			}
			if doc.ToServer != nil {
				fmt.Println()
				fmt.Println("to-server loss:")
				visualise.Loss(os.Stdout, doc.ToServer)
				fmt.Println("to-server delay:")
				visualise.Delay(os.Stdout, doc.ToServer)
			}
			if doc.FromServer != nil {
				fmt.Println()
				fmt.Println("from-server loss:")
				visualise.Loss(os.Stdout, doc.FromServer)
				fmt.Println("from-server delay:")
				visualise.Delay(os.Stdout, doc.FromServer)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print loss and delay bar charts")
	return cmd
}
