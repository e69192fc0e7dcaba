package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alvmarrod/storefront-scout/cmd/scout/commands"
	"github.com/sirupsen/logrus"
)

func main() {
	// Configure logging
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands.ExecuteContext(ctx)
}
