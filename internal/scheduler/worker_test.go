package scheduler

import (
	"context"
	"errors"
	"testing"

	"paychat_backend/internal/queue"
	"paychat_backend/internal/sweeper"
	"paychat_backend/platform/logger"

	"github.com/hibiken/asynq"
)

type fakeSweeps struct {
	inactive, escalations int
	err                   error
}

func (f *fakeSweeps) SweepInactiveChats(context.Context) (sweeper.Report, error) {
	f.inactive++
	return sweeper.Report{Sweep: sweeper.SweepInactiveChats}, f.err
}

func (f *fakeSweeps) SweepEscalations(context.Context) (sweeper.Report, error) {
	f.escalations++
	return sweeper.Report{Sweep: sweeper.SweepEscalations}, f.err
}

type fakeDispatcher struct {
	calls int
}

func (f *fakeDispatcher) Dispatch(context.Context) (queue.DispatchResult, error) {
	f.calls++
	return queue.DispatchResult{Assigned: 2}, nil
}

type stubSchedulerConfig struct {
	inactive, escalations, dispatch string
}

func (s stubSchedulerConfig) GetRedisURL() string                 { return "redis://localhost:6379/0" }
func (s stubSchedulerConfig) GetRedisTLSInsecure() bool           { return false }
func (s stubSchedulerConfig) GetAsynqQueueName() string           { return "" }
func (s stubSchedulerConfig) GetAsynqConcurrency() int            { return 0 }
func (s stubSchedulerConfig) GetSweepInactiveSchedule() string    { return s.inactive }
func (s stubSchedulerConfig) GetSweepEscalationsSchedule() string { return s.escalations }
func (s stubSchedulerConfig) GetQueueDispatchSchedule() string    { return s.dispatch }

func TestWorkerRoutesTasks(t *testing.T) {
	sweeps := &fakeSweeps{}
	dispatcher := &fakeDispatcher{}
	w := newWorker(sweeps, dispatcher, logger.Discard())

	for _, build := range []func(string) (*asynq.Task, error){
		NewSweepInactiveChatsTask,
		NewSweepEscalationsTask,
		NewQueueDispatchTask,
	} {
		task, err := build("test")
		if err != nil {
			t.Fatal(err)
		}
		if err := w.mux.ProcessTask(context.Background(), task); err != nil {
			t.Fatalf("%s: %v", task.Type(), err)
		}
	}

	if sweeps.inactive != 1 || sweeps.escalations != 1 || dispatcher.calls != 1 {
		t.Fatalf("unexpected calls: inactive=%d escalations=%d dispatch=%d", sweeps.inactive, sweeps.escalations, dispatcher.calls)
	}
}

func TestWorkerReturnsSweepErrors(t *testing.T) {
	boom := errors.New("db down")
	w := newWorker(&fakeSweeps{err: boom}, &fakeDispatcher{}, logger.Discard())

	task, _ := NewSweepEscalationsTask("test")
	if err := w.mux.ProcessTask(context.Background(), task); !errors.Is(err, boom) {
		t.Fatalf("expected sweep error, got %v", err)
	}
}

func TestPeriodicTasksSkipEmptySchedules(t *testing.T) {
	tasks, err := PeriodicTasks(stubSchedulerConfig{inactive: "@every 1h", dispatch: "@every 1m"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tasks))
	}
	if tasks[0].Task.Type() != TaskSweepInactiveChats || tasks[1].Task.Type() != TaskQueueDispatch {
		t.Fatalf("unexpected tasks %s, %s", tasks[0].Task.Type(), tasks[1].Task.Type())
	}
	payload, err := ParseTriggerPayload(tasks[0].Task)
	if err != nil || payload.Source != periodicSource {
		t.Fatalf("unexpected payload %+v (%v)", payload, err)
	}
}
