package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"taskmesh/pkg/client"
	"taskmesh/pkg/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	kind := flag.String("kind", "tcp", "transport kind: tcp|quic|ws|mem|winpipe")
	addr := flag.String("addr", "127.0.0.1:7700", "master address to connect to")
	name := flag.String("name", "client", "logical client name")
	typ := flag.String("type", "echo", "command type to publish")
	paramsJSON := flag.String("params", "{}", "command params as JSON")
	cmdTimeout := flag.Duration("cmd-timeout", 0, "local command timeout (0 = none)")
	dialTimeout := flag.Duration("timeout", 10*time.Second, "dial/handshake timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	var params any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fatalf("bad -params: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	dialKind, dialAddr := dialTarget(cfg, *kind, *addr)

	c, err := client.New(logger, client.Options{
		Kind:    dialKind,
		Address: dialAddr,
		Name:    *name,
		Backoff: cfg.Net,
	})
	if err != nil {
		fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *dialTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		fatalf("connect: %v", err)
	}
	defer c.Close()

	doneCh := make(chan int, 1)
	_, err = c.Publish(client.Command{
		Type:    *typ,
		Params:  params,
		Timeout: *cmdTimeout,
		OnProgress: func(v any) {
			fmt.Println("progress:", v)
		},
		OnComplete: func(result any) {
			b, _ := json.Marshal(result)
			fmt.Println("completed:", string(b))
			doneCh <- 0
		},
		OnError: func(errv map[string]any) {
			b, _ := json.Marshal(errv)
			fmt.Println("error:", string(b))
			doneCh <- 1
		},
		OnCancelled: func(reason string) {
			fmt.Println("cancelled:", reason)
			doneCh <- 1
		},
		OnTimeout: func() {
			fmt.Println("timed out")
			doneCh <- 1
		},
	})
	if err != nil {
		fatalf("publish: %v", err)
	}

	os.Exit(<-doneCh)
}

// dialTarget prefers explicit -kind/-addr flags over configured dial endpoints.
func dialTarget(cfg *config.Config, flagKind, flagAddr string) (string, string) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	k, a, ok := config.FirstDialTarget(cfg.Transports)
	if !ok {
		return flagKind, flagAddr
	}
	if set["kind"] {
		k = flagKind
	}
	if set["addr"] {
		a = flagAddr
	}
	return k, a
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
