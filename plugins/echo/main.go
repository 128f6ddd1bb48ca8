// Command echo is the reference plughost plugin. Build it next to its manifest:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/peer"
)

func main() {
	log.Setup(os.Getenv("ECHO_LOG_LEVEL"), "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := peer.NewEchoServer("echo", os.Exit)
	if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		log.Error("echo plugin stopped", "error", err)
		os.Exit(1)
	}
}
