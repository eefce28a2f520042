package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveCmd runs the forwarding manager and its control plane
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the forwarding daemon",
	Long: `Load the profile document, open the autoStart profiles and serve the
websocket control plane until interrupted. On shutdown every open profile is
closed with default_close_timeout.
Examples:
  portrelay serve
  portrelay serve --log-level debug`,
	Run: func(cmd *cobra.Command, args []string) {
		Container.InitializeServer()
		cfg := Container.Config
		log := Container.Logger

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("portrelay %s starting, profiles in %s", Container.Manager.Version(), Container.ProfileStore.Path())
		if err := Container.Manager.Load(ctx); err != nil {
			fmt.Printf("Error: failed to load profiles: %v\n", err)
			os.Exit(1)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return Container.Server.ListenAndServe(gctx, cfg.ControlListen)
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down, closing open profiles (timeout %v)", cfg.DefaultCloseTimeout)
			return Container.Manager.StopAll(cfg.DefaultCloseTimeout)
		})

		if err := g.Wait(); err != nil {
			log.Error("%v", err)
			Container.Close()
			os.Exit(1)
		}
		log.Info("stopped")
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}
