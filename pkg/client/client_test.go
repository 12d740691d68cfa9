package client

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"taskmesh/pkg/config"
	"taskmesh/pkg/master"
	"taskmesh/pkg/protocol"
	"taskmesh/pkg/task"
	"taskmesh/pkg/worker"
)

func newDisconnected(t *testing.T) *Client {
	t.Helper()
	c, err := New(zap.NewNop(), Options{Kind: "mem", Address: "inproc://unused"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// addPending injects a command the way Publish would, without a connection.
func addPending(c *Client, cmd Command) *task.Task {
	t := task.New(cmd.Type, cmd.Params)
	c.mu.Lock()
	c.pending[t.ID()] = &pendingCmd{t: t, cmd: cmd}
	c.mu.Unlock()
	return t
}

func TestPublishRequiresConnection(t *testing.T) {
	c := newDisconnected(t)
	if _, err := c.Publish(Command{Type: "x"}); err == nil {
		t.Fatalf("publish without connection must fail")
	}
	if _, err := c.Publish(Command{}); err == nil {
		t.Fatalf("publish without a type must fail")
	}
}

func TestFirstTerminalDeltaWins(t *testing.T) {
	c := newDisconnected(t)
	var completed, errored, cancelled, progressed int
	tk := addPending(c, Command{
		Type:        "x",
		OnComplete:  func(any) { completed++ },
		OnError:     func(map[string]any) { errored++ },
		OnCancelled: func(string) { cancelled++ },
		OnProgress:  func(any) { progressed++ },
	})

	c.applyState(&task.TaskState{ID: tk.ID(), Tag: protocol.TagProgress, Payload: 1})
	c.applyState(task.NewCompleteState(tk.ID(), "done"))
	// everything after the terminal delta must be dropped
	c.applyState(task.NewErrorState(tk.ID(), "too late"))
	c.applyState(task.NewCancelledState(tk.ID(), "too late"))
	c.applyState(&task.TaskState{ID: tk.ID(), Tag: protocol.TagProgress, Payload: 2})

	if progressed != 1 || completed != 1 || errored != 0 || cancelled != 0 {
		t.Fatalf("callbacks = progress:%d complete:%d error:%d cancelled:%d",
			progressed, completed, errored, cancelled)
	}
	if tk.State() != task.StateCompleted {
		t.Fatalf("state = %v", tk.State())
	}
}

func TestTimeoutBeatsLateDelta(t *testing.T) {
	c := newDisconnected(t)
	var timedOut, completed int
	tk := addPending(c, Command{
		Type:       "x",
		OnTimeout:  func() { timedOut++ },
		OnComplete: func(any) { completed++ },
	})

	c.expire(tk.ID())
	c.applyState(task.NewCompleteState(tk.ID(), "late"))

	if timedOut != 1 || completed != 0 {
		t.Fatalf("callbacks = timeout:%d complete:%d", timedOut, completed)
	}
	if tk.State() != task.StateTimeout {
		t.Fatalf("state = %v", tk.State())
	}
}

func TestTerminalBeatsLateTimeout(t *testing.T) {
	c := newDisconnected(t)
	var timedOut, cancelled int
	tk := addPending(c, Command{
		Type:        "x",
		OnTimeout:   func() { timedOut++ },
		OnCancelled: func(reason string) { cancelled++ },
	})

	c.applyState(task.NewCancelledState(tk.ID(), "handler stopped"))
	c.expire(tk.ID())

	if cancelled != 1 || timedOut != 0 {
		t.Fatalf("callbacks = cancelled:%d timeout:%d", cancelled, timedOut)
	}
}

func TestDeltaForUnknownCommandDropped(t *testing.T) {
	c := newDisconnected(t)
	// must not panic or invoke anything
	c.applyState(task.NewCompleteState("no-such-task", nil))
}

func TestErrorDeltaNormalizesPayload(t *testing.T) {
	c := newDisconnected(t)
	errCh := make(chan map[string]any, 1)
	tk := addPending(c, Command{Type: "x", OnError: func(errv map[string]any) { errCh <- errv }})

	c.applyState(task.NewErrorState(tk.ID(), "boom"))
	errv := <-errCh
	if errv["message"] != "boom" {
		t.Fatalf("errv = %v", errv)
	}
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	addr := "inproc://client-disconnect"
	m, err := master.New(zap.NewNop(), master.Options{Name: "m"})
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Listen(ctx, []config.TransportConfig{{Kind: "mem", Listen: []string{addr}}}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	w, err := worker.New(zap.NewNop(), worker.Options{Kind: "mem", Address: addr, Name: "w"})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer w.Close()
	started := make(chan struct{}, 1)
	w.Handle("hang", func(tk *task.Task, done task.DoneFunc, progress task.ProgressFunc, cancel task.CancelFunc) {
		progress("started")
		<-make(chan struct{})
	})
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("worker connect: %v", err)
	}

	c, err := New(zap.NewNop(), Options{Kind: "mem", Address: addr, Name: "c"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("client connect: %v", err)
	}

	errCh := make(chan map[string]any, 1)
	if _, err := c.Publish(Command{
		Type:       "hang",
		OnProgress: func(any) { started <- struct{}{} },
		OnError:    func(errv map[string]any) { errCh <- errv },
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never started")
	}

	m.Close()

	select {
	case errv := <-errCh:
		if errv["message"] != "connection closed" {
			t.Fatalf("message = %v", errv["message"])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending command never failed")
	}
}
