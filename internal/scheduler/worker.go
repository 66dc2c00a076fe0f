package scheduler

import (
	"context"

	"paychat_backend/internal/queue"
	"paychat_backend/internal/sweeper"
	"paychat_backend/platform/config"
	"paychat_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Sweeps runs the timeout sweeps.
type Sweeps interface {
	SweepInactiveChats(ctx context.Context) (sweeper.Report, error)
	SweepEscalations(ctx context.Context) (sweeper.Report, error)
}

// Dispatcher drains the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context) (queue.DispatchResult, error)
}

type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	sweeps     Sweeps
	dispatcher Dispatcher
	log        *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, sweeps Sweeps, dispatcher Dispatcher, log *logger.Logger) (*Worker, error) {
	opt, err := redisClientOpt(cfg)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 4
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	w := newWorker(sweeps, dispatcher, log)
	w.server = server
	return w, nil
}

func newWorker(sweeps Sweeps, dispatcher Dispatcher, log *logger.Logger) *Worker {
	w := &Worker{
		mux:        asynq.NewServeMux(),
		sweeps:     sweeps,
		dispatcher: dispatcher,
		log:        log,
	}
	w.mux.HandleFunc(TaskSweepInactiveChats, w.handleSweepInactiveChats)
	w.mux.HandleFunc(TaskSweepEscalations, w.handleSweepEscalations)
	w.mux.HandleFunc(TaskQueueDispatch, w.handleQueueDispatch)
	return w
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleSweepInactiveChats(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseTriggerPayload(task)
	if err != nil {
		return err
	}
	rep, err := w.sweeps.SweepInactiveChats(ctx)
	w.log.Info("inactive chat sweep ran", "source", payload.Source, "affected", rep.Affected, "failed", rep.Failed)
	return err
}

func (w *Worker) handleSweepEscalations(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseTriggerPayload(task)
	if err != nil {
		return err
	}
	rep, err := w.sweeps.SweepEscalations(ctx)
	w.log.Info("escalation sweep ran", "source", payload.Source, "affected", rep.Affected, "failed", rep.Failed)
	return err
}

func (w *Worker) handleQueueDispatch(ctx context.Context, _ *asynq.Task) error {
	res, err := w.dispatcher.Dispatch(ctx)
	if err != nil {
		return err
	}
	if res.Assigned > 0 || res.Escalated > 0 {
		w.log.Info("queue dispatch ran", "assigned", res.Assigned, "escalated", res.Escalated)
	}
	return nil
}
