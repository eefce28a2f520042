package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// notificationsCmd is the command to manage daemon notifications
var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"noti"},
	Short:   "Manage daemon notifications",
	Long: `Notifications report failures the daemon could not return to a caller,
such as a profile document that could not be saved.`,
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		list, err := client.Notifications(ctx)
		exitOnError("failed to list notifications", err)

		if len(list) == 0 {
			fmt.Println("no notifications")
			return
		}
		for _, n := range list {
			fmt.Printf("#%d [%s] %s %s\n", n.Sequence, n.Level, n.Time.Format("2006-01-02 15:04:05"), n.Message)
		}
	},
}

var notificationsClearCmd = &cobra.Command{
	Use:   "clear [sequence]",
	Short: "Clear one or all notifications",
	Long: `Clear the notification with the given sequence number, or every
notification when none is given.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if len(args) == 0 {
			exitOnError("failed to clear notifications", client.ClearNotifications(ctx))
			fmt.Println("Notifications cleared")
			return
		}

		sequence, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			exitOnError("invalid sequence", err)
		}
		cleared, err := client.ClearNotification(ctx, sequence)
		exitOnError("failed to clear notification", err)
		if !cleared {
			fmt.Printf("Notification #%d not found\n", sequence)
			return
		}
		fmt.Printf("Notification #%d cleared\n", sequence)
	},
}

func init() {
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsClearCmd)
	RootCmd.AddCommand(notificationsCmd)
}
