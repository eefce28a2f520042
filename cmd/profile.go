package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

var (
	// Profile command flags
	profileSource      int
	profileDest        string
	profileIdleTimeout time.Duration
	profileAutoStart   bool
	profileTimeout     time.Duration
	profileVerbose     bool
)

// profileCmd is the command to manage forwarding profiles
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage forwarding profiles",
	Long:  `Manage the forwarding profiles of a running portrelay daemon.`,
}

// profileListCmd lists every profile with its state and traffic
var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		snap, err := client.CurrentData(ctx)
		exitOnError("failed to list profiles", err)

		if !snap.Status.Ready {
			fmt.Println("daemon is still loading profiles")
		}
		if snap.Status.HasNotifications {
			fmt.Println("daemon has notifications, see \"portrelay notifications list\"")
		}
		if len(snap.Services) == 0 {
			fmt.Println("no profiles")
			return
		}

		names := make([]string, 0, len(snap.Services))
		for name := range snap.Services {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tSOURCE\tDEST\tIDLE\tAUTOSTART\tCONNS\tREAD\tWRITTEN")
		for _, name := range names {
			svc := snap.Services[name]
			idle := "-"
			if svc.IdleTimeoutMs > 0 {
				idle = (time.Duration(svc.IdleTimeoutMs) * time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\t%d\t%s\t%s\n",
				name, svc.State, svc.Source, svc.Dest, idle, svc.AutoStart, len(svc.Connections),
				humanize.Bytes(uint64(svc.TotalBytesRead)), humanize.Bytes(uint64(svc.TotalBytesWritten)))
		}
		w.Flush()

		if !profileVerbose {
			return
		}
		for _, name := range names {
			svc := snap.Services[name]
			if svc.CloseDeadline != nil {
				fmt.Printf("\n%s closing, deadline %s\n", name, humanize.Time(*svc.CloseDeadline))
			}
			if len(svc.Connections) == 0 {
				continue
			}
			fmt.Printf("\n%s connections:\n", name)
			for _, conn := range sortedConnections(svc.Connections) {
				fmt.Printf("  %s (%s) %s, read %s, written %s, since %s\n",
					conn.UID, conn.ClientFamily, conn.State,
					humanize.Bytes(uint64(conn.BytesRead)), humanize.Bytes(uint64(conn.BytesWritten)),
					humanize.Time(conn.CreatedAt))
			}
		}
	},
}

func sortedConnections(conns map[string]model.ConnectionSnapshot) []model.ConnectionSnapshot {
	out := make([]model.ConnectionSnapshot, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// profileCreateCmd creates a profile
var profileCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a profile",
	Long: `Create a forwarding profile.
Examples:
  portrelay profile create ssh --source 8022 --dest 10.0.0.5:22
  portrelay profile create web --source 8080 --dest 3000 --idle-timeout 5m --auto-start`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		profile := model.Profile{
			Source:        profileSource,
			Dest:          profileDest,
			IdleTimeoutMs: profileIdleTimeout.Milliseconds(),
			AutoStart:     profileAutoStart,
		}

		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		exitOnError("failed to create profile", client.CreateProfile(ctx, args[0], profile))
		fmt.Printf("Profile %s created\n", args[0])
	},
}

// profileUpdateCmd changes the options of a closed profile
var profileUpdateCmd = &cobra.Command{
	Use:   "update [name]",
	Short: "Change a closed profile",
	Long: `Change the options of a closed profile. Options that are not given keep
their current value.
Examples:
  portrelay profile update ssh --dest 10.0.0.6:22
  portrelay profile update web --auto-start=false`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		snap, err := client.CurrentData(ctx)
		exitOnError("failed to read profile", err)
		svc, ok := snap.Services[name]
		if !ok {
			exitOnError("failed to update profile", model.ErrProfileNotFound)
		}

		profile := model.Profile{
			Source:        svc.Source,
			Dest:          svc.Dest,
			IdleTimeoutMs: svc.IdleTimeoutMs,
			AutoStart:     svc.AutoStart,
		}
		flags := cmd.Flags()
		if flags.Changed("source") {
			profile.Source = profileSource
		}
		if flags.Changed("dest") {
			profile.Dest = profileDest
		}
		if flags.Changed("idle-timeout") {
			profile.IdleTimeoutMs = profileIdleTimeout.Milliseconds()
		}
		if flags.Changed("auto-start") {
			profile.AutoStart = profileAutoStart
		}

		exitOnError("failed to update profile", client.UpdateProfile(ctx, name, profile))
		fmt.Printf("Profile %s updated\n", name)
	},
}

// profileRemoveCmd removes a profile
var profileRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a profile",
	Long: `Remove a profile, closing it first when it is open.
A negative --timeout waits for connections to end on their own, 0 destroys
them at once.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		exitOnError("failed to remove profile", client.RemoveProfile(context.Background(), args[0], profileTimeout))
		fmt.Printf("Profile %s removed\n", args[0])
	},
}

// profileStartCmd opens a profile
var profileStartCmd = &cobra.Command{
	Use:   "start [name]",
	Short: "Start forwarding a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		exitOnError("failed to start profile", client.StartProfile(ctx, args[0]))
		fmt.Printf("Profile %s started\n", args[0])
	},
}

// profileStopCmd closes a profile
var profileStopCmd = &cobra.Command{
	Use:   "stop [name]",
	Short: "Stop forwarding a profile",
	Long: `Stop accepting connections and drain the open ones.
A negative --timeout waits for connections to end on their own, 0 destroys
them at once.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		exitOnError("failed to stop profile", client.StopProfile(context.Background(), args[0], profileTimeout))
		fmt.Printf("Profile %s stopped\n", args[0])
	},
}

// profileDisconnectCmd destroys one connection of a profile
var profileDisconnectCmd = &cobra.Command{
	Use:   "disconnect [name] [uid]",
	Short: "Destroy one connection",
	Long: `Destroy one connection of a profile. The uid is the client address and
port as shown by "portrelay profile list -v".`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := connectClient()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		exitOnError("failed to destroy connection", client.DestroyConnection(ctx, args[0], args[1]))
		fmt.Printf("Connection %s of %s destroyed\n", args[1], args[0])
	},
}

func addProfileFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&profileSource, "source", "s", 0, "Local port to listen on")
	cmd.Flags().StringVarP(&profileDest, "dest", "d", "", "Destination: host, host:port or port")
	cmd.Flags().DurationVar(&profileIdleTimeout, "idle-timeout", 0, "Close connections idle for this long (0 disables)")
	cmd.Flags().BoolVar(&profileAutoStart, "auto-start", false, "Open the profile when the daemon starts")
}

func init() {
	addProfileFlags(profileCreateCmd)
	profileCreateCmd.MarkFlagRequired("source")
	profileCreateCmd.MarkFlagRequired("dest")
	addProfileFlags(profileUpdateCmd)

	profileListCmd.Flags().BoolVarP(&profileVerbose, "verbose", "v", false, "Show connections")
	profileRemoveCmd.Flags().DurationVarP(&profileTimeout, "timeout", "t", -1, "Drain deadline")
	profileStopCmd.Flags().DurationVarP(&profileTimeout, "timeout", "t", -1, "Drain deadline")

	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileUpdateCmd)
	profileCmd.AddCommand(profileRemoveCmd)
	profileCmd.AddCommand(profileStartCmd)
	profileCmd.AddCommand(profileStopCmd)
	profileCmd.AddCommand(profileDisconnectCmd)
	RootCmd.AddCommand(profileCmd)
}
