package task

import (
	"go.uber.org/zap"
)

// Emitter delivers a TaskState delta toward the task's origin.
type Emitter func(s *TaskState) error

// Bind constructs the done/progress/cancel capabilities for one task.
// Each capability mutates the task, builds the matching TaskState and hands it
// to emit; done and cancel also call remove exactly once. The task's terminal
// state gates every capability, so the first terminal call wins and any later
// or duplicate call is a no-op.
func Bind(log *zap.Logger, t *Task, emit Emitter, remove func(id string)) (DoneFunc, ProgressFunc, CancelFunc) {
	send := func(s *TaskState) {
		if err := emit(s); err != nil {
			log.Warn("emit task state failed",
				zap.String("task", s.ID), zap.String("tag", string(s.Tag)), zap.Error(err))
		}
	}
	done := func(errv, result any) {
		if errv != nil {
			if t.SetError(errv) {
				send(NewErrorState(t.ID(), t.Err()))
				remove(t.ID())
			}
			return
		}
		if t.SetCompleted(result) {
			send(NewCompleteState(t.ID(), result))
			remove(t.ID())
		}
	}
	progress := func(v any) {
		if t.SetProgress(v) {
			send(NewProgressState(t.ID(), v))
		}
	}
	cancel := func(reason string) {
		if t.SetCancelled() {
			send(NewCancelledState(t.ID(), reason))
			remove(t.ID())
		}
	}
	return done, progress, cancel
}

// Invoke runs h for t with freshly bound capabilities. It is synchronous;
// callers that must not block run it on its own goroutine.
func Invoke(log *zap.Logger, t *Task, h HandlerFunc, emit Emitter, remove func(id string)) {
	done, progress, cancel := Bind(log, t, emit, remove)
	t.MarkRunning()
	h(t, done, progress, cancel)
}
