package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/infrastructure/transport"
)

const connectTimeout = 5 * time.Second

// connectClient connects to the daemon or exits
func connectClient() *transport.Client {
	Container.InitializeClient()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := Container.Client.Connect(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		fmt.Printf("Is \"portrelay serve\" running on %s?\n", Container.Config.ControlURL())
		os.Exit(1)
	}
	return Container.Client
}

// exitOnError prints err with its control-plane code and exits
func exitOnError(msg string, err error) {
	if err == nil {
		return
	}
	if code := model.CodeOf(err); code != "" {
		fmt.Printf("Error: %s: %v (%s)\n", msg, err, code)
	} else {
		fmt.Printf("Error: %s: %v\n", msg, err)
	}
	Container.Close()
	os.Exit(1)
}
