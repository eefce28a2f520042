package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"github.com/portrelay/portrelay/internal/infrastructure/forward"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
	"github.com/spf13/cobra"
)

var (
	relaySource      int
	relayDest        string
	relayIdleTimeout time.Duration
	relayTimeout     time.Duration
)

// relayCmd forwards one port without a daemon or profile document
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward one port in the foreground",
	Long: `Forward a single port until interrupted, without a daemon or a profile
document.
Examples:
  portrelay relay --source 2222 --dest 10.0.0.5:22
  portrelay relay -s 8080 -d 3000 --idle-timeout 1m`,
	Run: func(cmd *cobra.Command, args []string) {
		log := Container.Logger
		profile := model.Profile{
			Source:        relaySource,
			Dest:          relayDest,
			IdleTimeoutMs: relayIdleTimeout.Milliseconds(),
		}

		svc, err := forward.NewService("relay", profile, relayObserver{log: log}, logger.WithPrefix(log, "relay>"), forward.Options{
			BindHost:    Container.Config.BindHost,
			DialTimeout: Container.Config.DialTimeout,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if err := svc.Open(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Forwarding %s -> %s (press Ctrl+C to stop)\n", svc.Addr(), svc.Profile().Dest)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Stopping...")
		if err := svc.Close(relayTimeout); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		snap := svc.Snapshot()
		fmt.Printf("Relayed %d bytes in, %d bytes out\n", snap.TotalBytesRead, snap.TotalBytesWritten)
	},
}

// relayObserver logs connection lifecycle events of the relay service
type relayObserver struct {
	log port.Logger
}

func (o relayObserver) HandleServiceEvent(ev model.Event) {
	switch ev.Signal {
	case model.SignalConnectionPiped:
		o.log.Info("relay> %s connected", ev.Connection)
	case model.SignalConnectionTimedOut:
		o.log.Info("relay> %s idle", ev.Connection)
	case model.SignalConnectionDestroyed:
		o.log.Info("relay> %s closed", ev.Connection)
	}
}

func init() {
	relayCmd.Flags().IntVarP(&relaySource, "source", "s", 0, "Local port to listen on")
	relayCmd.Flags().StringVarP(&relayDest, "dest", "d", "", "Destination: host, host:port or port")
	relayCmd.Flags().DurationVar(&relayIdleTimeout, "idle-timeout", 0, "Close connections idle for this long (0 disables)")
	relayCmd.Flags().DurationVarP(&relayTimeout, "timeout", "t", 5*time.Second, "Drain deadline on stop (negative waits without one)")
	relayCmd.MarkFlagRequired("source")
	relayCmd.MarkFlagRequired("dest")
	RootCmd.AddCommand(relayCmd)
}
