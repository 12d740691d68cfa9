package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskmesh/pkg/config"
	"taskmesh/pkg/protocol"
	"taskmesh/pkg/task"
	"taskmesh/pkg/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	kind := flag.String("kind", "tcp", "transport kind: tcp|quic|ws|mem|winpipe")
	addr := flag.String("addr", "127.0.0.1:7700", "master address to connect to")
	name := flag.String("name", "worker", "logical worker name")
	cases := flag.String("cases", "sleep,fail,countdown", "which sample handlers to register (comma-separated)")
	timeout := flag.Duration("timeout", 10*time.Second, "dial/handshake timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	dialKind, dialAddr := dialTarget(cfg, *kind, *addr)

	w, err := worker.New(logger, worker.Options{
		Kind:    dialKind,
		Address: dialAddr,
		Name:    *name,
		Labels:  map[string]string{"tier": "dev"},
		Backoff: cfg.Net,
	})
	if err != nil {
		fatalf("new worker: %v", err)
	}

	enabled := map[string]bool{}
	for _, c := range strings.Split(*cases, ",") {
		enabled[strings.TrimSpace(strings.ToLower(c))] = true
	}

	if enabled["sleep"] {
		// sleeps params.ms milliseconds, honoring cancellation
		w.Handle("sleep", func(t *task.Task, done task.DoneFunc, progress task.ProgressFunc, cancel task.CancelFunc) {
			ms := 1000
			if m, ok := t.Params().(map[string]any); ok {
				if v, ok := m["ms"].(float64); ok {
					ms = int(v)
				}
			}
			cancelled := make(chan string, 1)
			t.OnCancelRequested(func(reason string) { cancelled <- reason })
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				done(nil, map[string]any{"slept_ms": ms})
			case reason := <-cancelled:
				cancel(reason)
			}
		})
	}
	if enabled["fail"] {
		w.Handle("fail", func(t *task.Task, done task.DoneFunc, progress task.ProgressFunc, cancel task.CancelFunc) {
			done(map[string]any{"message": "deliberate failure", "code": "500"}, nil)
		})
	}
	if enabled["countdown"] {
		// emits n..1 as progress, then completes
		w.Handle("countdown", func(t *task.Task, done task.DoneFunc, progress task.ProgressFunc, cancel task.CancelFunc) {
			n := 5
			if m, ok := t.Params().(map[string]any); ok {
				if v, ok := m["n"].(float64); ok {
					n = int(v)
				}
			}
			for i := n; i > 0; i-- {
				if t.IsCancellationRequested() {
					cancel(t.CancellationReason())
					return
				}
				progress(i)
				time.Sleep(100 * time.Millisecond)
			}
			done(nil, "liftoff")
		})
	}

	w.Notify(protocol.EventDisconnected, func(any) {
		zap.L().Warn("master went away, exiting")
		os.Exit(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := w.Connect(ctx); err != nil {
		fatalf("connect: %v", err)
	}
	defer w.Close()

	zap.L().Info("worker is running; press Ctrl+C to exit",
		zap.String("peer_id", string(w.PeerID())))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
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
