package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskSweepInactiveChats = "sweeps.inactive_chats"

const TaskSweepEscalations = "sweeps.escalations"

const TaskQueueDispatch = "queue.dispatch"

// TriggerPayload identifies what enqueued a periodic task.
type TriggerPayload struct {
	Source string `json:"source"`
}

func newTriggerTask(name, source string) (*asynq.Task, error) {
	data, err := json.Marshal(TriggerPayload{Source: source})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(name, data), nil
}

func NewSweepInactiveChatsTask(source string) (*asynq.Task, error) {
	return newTriggerTask(TaskSweepInactiveChats, source)
}

func NewSweepEscalationsTask(source string) (*asynq.Task, error) {
	return newTriggerTask(TaskSweepEscalations, source)
}

func NewQueueDispatchTask(source string) (*asynq.Task, error) {
	return newTriggerTask(TaskQueueDispatch, source)
}

func ParseTriggerPayload(task *asynq.Task) (TriggerPayload, error) {
	var payload TriggerPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TriggerPayload{}, err
	}
	return payload, nil
}
