package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/spf13/cobra"
)

var versionRemote bool

// versionCmd is the command to display version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Long:  `Display portrelay version, and with --remote the version of the running daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("portrelay v%s (control protocol %s)\n", model.Version, model.ProtocolVersion)
		if !versionRemote {
			return
		}

		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		info, err := client.Information(ctx)
		exitOnError("failed to query daemon", err)
		fmt.Printf("daemon v%s (control protocol %s)\n", info.Version, info.ProtocolVersion)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionRemote, "remote", false, "Also query the running daemon")
	RootCmd.AddCommand(versionCmd)
}
