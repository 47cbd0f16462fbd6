package ipc

import "encoding/json"

type MessageType string

const (
	// Pool -> worker
	MessageProcessTask MessageType = "process_task"

	// Worker -> pool
	MessageTaskComplete MessageType = "task_complete"
	MessageTaskFailed   MessageType = "task_failed"
)

// TaskEnvelope is the part of a task row a worker needs to run it
type TaskEnvelope struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is a single frame on the channel between the pool and a worker.
// Which fields are set depends on Type.
type Message struct {
	Type   MessageType     `json:"type"`
	Task   *TaskEnvelope   `json:"task,omitempty"`
	TaskID int64           `json:"taskId,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func ProcessTask(task TaskEnvelope) Message {
	return Message{Type: MessageProcessTask, Task: &task}
}

func TaskComplete(taskID int64, result json.RawMessage) Message {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Message{Type: MessageTaskComplete, TaskID: taskID, Result: result}
}

func TaskFailed(taskID int64, errMsg string) Message {
	return Message{Type: MessageTaskFailed, TaskID: taskID, Error: errMsg}
}
