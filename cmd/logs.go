package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/spf13/cobra"
)

var logsFollow bool

// logsCmd prints the daemon's log history
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show daemon logs",
	Long: `Print the log lines retained by the daemon. With --follow, keep printing
new lines until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()

		if logsFollow {
			client.RegisterHandler(model.MessageTypeLog, func(msg *model.Message) error {
				var entry model.LogEntry
				if err := msg.ParsePayload(&entry); err != nil {
					return err
				}
				printLogEntry(entry)
				return nil
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		entries, err := client.LogHistory(ctx)
		cancel()
		exitOnError("failed to read logs", err)

		for _, entry := range entries {
			printLogEntry(entry)
		}

		if !logsFollow {
			return
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
	},
}

func printLogEntry(entry model.LogEntry) {
	fmt.Printf("[%s] %s %s\n", entry.Time.Format("2006-01-02 15:04:05.000"), strings.ToUpper(string(entry.Level)), entry.Message)
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing new log lines")
	RootCmd.AddCommand(logsCmd)
}
