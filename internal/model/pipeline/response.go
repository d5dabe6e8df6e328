/**
 * 模型:任务响应模型
 * @author: sun977
 * @date: 2025.12.18
 * @description: 任务提交与状态查询的对外响应结构
 * @func: SubmitTaskResponse、TaskSnapshot 及转换函数
 */
package pipeline

import (
	"encoding/json"
	"time"
)

// SubmitTaskResponse 任务提交响应
type SubmitTaskResponse struct {
	TaskID      string `json:"task_id"`                // 任务ID
	TraceID     string `json:"trace_id"`               // 链路追踪ID
	Status      string `json:"status"`                 // 受理时状态(pending)
	StreamToken string `json:"stream_token,omitempty"` // 事件流访问令牌
	StreamPath  string `json:"stream_path,omitempty"`  // 事件流订阅路径
}

// StageResultInfo 阶段尝试信息(对外视图)
type StageResultInfo struct {
	Name      string       `json:"name"`                 // 阶段名称
	Attempt   int          `json:"attempt"`              // 尝试序号
	Outcome   StageOutcome `json:"outcome"`              // 尝试结果
	StartedAt *time.Time   `json:"started_at,omitempty"` // 开始时间
	EndedAt   *time.Time   `json:"ended_at,omitempty"`   // 结束时间
	Error     *TaskError   `json:"error,omitempty"`      // 失败时的错误信息
}

// TaskSnapshot 任务状态快照(对外视图)
// 由任务记录与阶段结果列表拼装，不暴露内部自增主键
type TaskSnapshot struct {
	TaskID    string            `json:"task_id"`
	TraceID   string            `json:"trace_id"`
	Principal string            `json:"principal"`
	Pipeline  string            `json:"pipeline"`
	Status    TaskStatus        `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Stages    []StageResultInfo `json:"stages"`
	Error     *TaskError        `json:"error,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
}

// NewTaskSnapshot 由任务记录与阶段结果构建对外快照
func NewTaskSnapshot(record *TaskRecord, stages []StageResult) *TaskSnapshot {
	snapshot := &TaskSnapshot{
		TaskID:    record.TaskID,
		TraceID:   record.TraceID,
		Principal: record.Principal,
		Pipeline:  record.PipelineName,
		Status:    record.Status,
		CreatedAt: record.CreatedAt,
		StartedAt: record.StartedAt,
		EndedAt:   record.EndedAt,
		Stages:    make([]StageResultInfo, 0, len(stages)),
		Error:     record.Error(),
	}
	if record.ResultPayload != "" {
		snapshot.Result = json.RawMessage(record.ResultPayload)
	}
	for _, s := range stages {
		info := StageResultInfo{
			Name:      s.StageName,
			Attempt:   s.Attempt,
			Outcome:   s.Outcome,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
		}
		if s.ErrorKind != "" {
			info.Error = &TaskError{Kind: ErrorKind(s.ErrorKind), Message: s.ErrorMsg}
		}
		snapshot.Stages = append(snapshot.Stages, info)
	}
	return snapshot
}
