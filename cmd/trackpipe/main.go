// Command trackpipe runs one stage of the track processing pipeline.
//
//	trackpipe extrap    --incoming-endpoint udp://239.1.1.1:9000 --outgoing-endpoint udp://239.1.1.2:9001
//	trackpipe delaycalc --incoming-endpoint udp://239.1.1.2:9001 --outgoing-endpoint udp://239.1.1.5:9595
//
// Every flag can also be set with a TRACKPIPE_ environment variable or in a
// config file passed with --config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "trackpipe:", err)
		os.Exit(1)
	}
}
