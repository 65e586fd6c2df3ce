package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vi/netmeasure2/internal/receiver"
	"github.com/vi/netmeasure2/internal/visualise"
)

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dump>",
		Short: "Re-analyse a raw frame dump saved by probe's --raw-dump or battery's --raw-dump-dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := receiver.ReadAndAnalyse(args[0])
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			fmt.Println("loss:")
			visualise.Loss(cmd.OutOrStdout(), &results)
			fmt.Println("delay:")
			visualise.Delay(cmd.OutOrStdout(), &results)
			return nil
		},
	}
}
