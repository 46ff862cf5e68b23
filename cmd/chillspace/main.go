package main

import (
	"context"

	"chillspace/internal/cli"
	"chillspace/pkg/state/shutdown"
)

func main() {
	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	err := cli.Execute(ctx)
	cancel()
	if err != nil {
		shutdown.Abort("chillspace", err)
	}
}
