package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/vi/netmeasure2/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("netmeasure"))
			return nil
		},
	}
}
