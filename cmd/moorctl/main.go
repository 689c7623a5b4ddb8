package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/duskmoor/moorgate/internal/launcher"
	"github.com/duskmoor/moorgate/internal/proto"
)

func main() {
	addr := pflag.StringP("addr", "a", "127.0.0.1:4005", "gateway control address")
	timeout := pflag.DurationP("timeout", "t", 30*time.Second, "command timeout")
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: moorctl [--addr host:port] [--timeout dur] start|stop|reload|status")
		os.Exit(2)
	}
	verb, err := proto.ParseVerb(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "moorctl: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cli := &launcher.Client{Addr: *addr, Timeout: *timeout}
	result, err := cli.Execute(ctx, verb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moorctl: %v\n", err)
		os.Exit(1)
	}
	if !result.OK {
		fmt.Fprintf(os.Stderr, "moorctl: %s: %s\n", verb, result.Detail)
		os.Exit(1)
	}
	fmt.Println(result.Detail)
}
