package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"MCP-Trader/sdk/go/mcptrader"
)

const usage = `usage: mcptraderctl [flags] <command> [args]

commands:
  health               check the daemon is up
  start [tickers...]   start a trading cycle
  list                 list conversations held by the coordinator
  show <id>            show a conversation and its messages
  cancel <order-id>    cancel an open order

flags:
`

func main() {
	addr := flag.String("addr", envOr("MCPTRADER_API", "http://localhost:8080"), "ops API base URL")
	token := flag.String("token", os.Getenv("MCPTRADER_TOKEN"), "bearer token")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := mcptrader.NewClient(*addr, nil)
	if err != nil {
		fail(err)
	}
	client.SetAccessToken(*token)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	switch args[0] {
	case "health":
		if err := client.Health(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")
	case "start":
		id, err := client.StartCycle(ctx, args[1:]...)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)
	case "list":
		ids, err := client.Conversations(ctx)
		if err != nil {
			fail(err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case "show":
		requireArg(args)
		detail, err := client.Conversation(ctx, args[1])
		if err != nil {
			fail(err)
		}
		printJSON(detail)
	case "cancel":
		requireArg(args)
		res, err := client.CancelOrder(ctx, args[1])
		if err != nil {
			fail(err)
		}
		printJSON(res)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func requireArg(args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "%s needs an argument\n", args[0])
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
