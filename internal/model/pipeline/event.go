/**
 * 模型:任务进度事件
 * @author: sun977
 * @date: 2025.12.18
 * @description: 任务执行过程中对外推送的进度事件，序号由执行器单生产者分配
 * @func: Event 实体、EventKind 枚举、各类事件载荷结构
 */
package pipeline

import (
	"encoding/json"
	"time"
)

// EventKind 事件类型枚举
type EventKind string

const (
	EventKindStageStarted       EventKind = "stage-started"       // 某阶段某次尝试开始
	EventKindChunk              EventKind = "chunk"               // 阶段执行期间的增量产出
	EventKindStageCompleted     EventKind = "stage-completed"     // 某阶段结束(含失败尝试)
	EventKindTaskCompleted      EventKind = "task-completed"      // 任务成功终态
	EventKindTaskFailed         EventKind = "task-failed"         // 任务失败终态
	EventKindTaskCancelled      EventKind = "task-cancelled"      // 任务取消/超时终态(具体状态在载荷中)
	EventKindSubscriberOverflow EventKind = "subscriber-overflow" // 订阅者队列溢出被断开
)

// IsTerminal 判断事件是否为终态事件(收到后订阅流结束)
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventKindTaskCompleted, EventKindTaskFailed, EventKindTaskCancelled:
		return true
	}
	return false
}

// Event 任务进度事件
// Seq 为任务内单调递增序号，由该任务唯一的执行器 goroutine 分配
// 同一任务对同一订阅者保证有序，跨任务不保证任何顺序
type Event struct {
	TaskID    string          `json:"task_id"`
	TraceID   string          `json:"trace_id"`
	Seq       uint64          `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StageStartedPayload stage-started 事件载荷
type StageStartedPayload struct {
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// StageCompletedPayload stage-completed 事件载荷
type StageCompletedPayload struct {
	Stage   string       `json:"stage"`
	Attempt int          `json:"attempt"`
	Outcome StageOutcome `json:"outcome"`
	Error   *TaskError   `json:"error,omitempty"`
}

// ChunkPayload chunk 事件载荷
type ChunkPayload struct {
	Stage   string `json:"stage"`
	Content string `json:"content"`
}

// TaskTerminalPayload 终态事件载荷
// task-cancelled 事件同时承载 cancelled 与 timed_out 两种终态，
// 下游按取消处理，具体状态以 Status 字段为准
type TaskTerminalPayload struct {
	Status TaskStatus      `json:"status"`
	Error  *TaskError      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}
