package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"paychat_backend/platform/config"
	"paychat_backend/platform/logger"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const periodicSource = "scheduler"

// PeriodicTask is one cron entry.
type PeriodicTask struct {
	Cronspec string
	Task     *asynq.Task
}

// PeriodicTasks builds the engine's cron entries from config. Entries with
// an empty schedule are skipped.
func PeriodicTasks(cfg config.SchedulerConfig) ([]PeriodicTask, error) {
	specs := []struct {
		cronspec string
		build    func(string) (*asynq.Task, error)
	}{
		{cfg.GetSweepInactiveSchedule(), NewSweepInactiveChatsTask},
		{cfg.GetSweepEscalationsSchedule(), NewSweepEscalationsTask},
		{cfg.GetQueueDispatchSchedule(), NewQueueDispatchTask},
	}

	var out []PeriodicTask
	for _, s := range specs {
		if s.cronspec == "" {
			continue
		}
		task, err := s.build(periodicSource)
		if err != nil {
			return nil, err
		}
		out = append(out, PeriodicTask{Cronspec: s.cronspec, Task: task})
	}
	return out, nil
}

// Scheduler enqueues the periodic tasks into asynq.
type Scheduler struct {
	scheduler *asynq.Scheduler
	log       *logger.Logger
}

func NewScheduler(cfg config.SchedulerConfig, log *logger.Logger) (*Scheduler, error) {
	opt, err := redisClientOpt(cfg)
	if err != nil {
		return nil, err
	}

	tasks, err := PeriodicTasks(cfg)
	if err != nil {
		return nil, err
	}

	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Warn("periodic task enqueue failed", "error", err)
				return
			}
			log.Debug("periodic task enqueued", "task", info.Type, "task_id", info.ID)
		},
	})

	queue := queueName(cfg)
	for _, t := range tasks {
		// A missed tick is covered by the next one.
		if _, err := s.Register(t.Cronspec, t.Task, asynq.Queue(queue), asynq.MaxRetry(0), asynq.Unique(time.Minute)); err != nil {
			return nil, fmt.Errorf("register %s (%s): %w", t.Task.Type(), t.Cronspec, err)
		}
		log.Info("periodic task registered", "task", t.Task.Type(), "cronspec", t.Cronspec)
	}

	return &Scheduler{scheduler: s, log: log}, nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.scheduler == nil {
		return nil
	}
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	<-ctx.Done()
	s.scheduler.Shutdown()
	return nil
}

func queueName(cfg config.SchedulerConfig) string {
	if q := cfg.GetAsynqQueueName(); q != "" {
		return q
	}
	return "default"
}

func redisClientOpt(cfg config.SchedulerConfig) (asynq.RedisClientOpt, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return asynq.RedisClientOpt{}, fmt.Errorf("redis url not configured")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		tlsConfig = opt.TLSConfig.Clone()
		if cfg.GetRedisTLSInsecure() {
			tlsConfig.InsecureSkipVerify = true
		}
	} else if cfg.GetRedisTLSInsecure() {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
