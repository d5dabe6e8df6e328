/**
 * 模型:笔记生成任务
 * @author: sun977
 * @date: 2025.12.18
 * @description: 任务记录实体与任务状态机定义
 * @func: TaskRecord 实体、TaskStatus 状态枚举、状态迁移合法性判断
 */
package pipeline

import (
	"time"

	"notemaster/internal/model/basemodel"
)

// TaskStatus 任务状态枚举
// 状态机: pending -> running -> {completed, failed, cancelled, timed_out}
// 终态不可再迁移；pending -> failed 仅用于孤儿任务回收
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // 已受理，执行器尚未启动
	TaskStatusRunning   TaskStatus = "running"   // 流水线执行中
	TaskStatusCompleted TaskStatus = "completed" // 全部阶段成功
	TaskStatusFailed    TaskStatus = "failed"    // 阶段耗尽重试或不可恢复错误
	TaskStatusCancelled TaskStatus = "cancelled" // 外部取消
	TaskStatusTimedOut  TaskStatus = "timed_out" // 整体或阶段超时
)

// IsTerminal 判断是否为终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

// legalTransitions 状态机合法边集合
// running 期间的阶段推进只修改 StageResult，不产生状态迁移
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut},
}

// CanTransition 判断 from -> to 是否为合法状态迁移
func CanTransition(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind 错误类别枚举
// 同时用于任务终态错误记录与提交时的同步拒绝原因
type ErrorKind string

const (
	ErrKindAdmissionTimeout ErrorKind = "admission_timeout" // 等待并发槽位超时
	ErrKindRateLimited      ErrorKind = "rate_limited"      // 触发速率限制
	ErrKindValidation       ErrorKind = "validation"        // 输入校验失败
	ErrKindTransient        ErrorKind = "transient"         // 阶段级可重试错误
	ErrKindPermanent        ErrorKind = "permanent"         // 阶段级不可恢复错误
	ErrKindTimeout          ErrorKind = "timeout"           // 整体或阶段超时
	ErrKindCancelled        ErrorKind = "cancelled"         // 外部取消
	ErrKindPersistence      ErrorKind = "persistence"       // 状态持久化失败
	ErrKindStageExhausted   ErrorKind = "stage_exhausted"   // 阶段重试次数耗尽
	ErrKindOrphaned         ErrorKind = "orphaned"          // 重启后回收的孤儿任务
)

// TaskError 任务错误信息(类别+描述)
type TaskError struct {
	Kind    ErrorKind `json:"kind"`    // 错误类别
	Message string    `json:"message"` // 错误描述
}

// TaskRecord 任务记录实体
// 一次笔记生成提交对应一条记录，状态由编排器独占写入
// 输入/输出均为不透明 JSON，流水线各阶段的明细在 StageResult 表中
type TaskRecord struct {
	basemodel.BaseModel

	TaskID       string     `json:"task_id" gorm:"uniqueIndex;not null;size:64;comment:任务唯一标识ID"`
	TraceID      string     `json:"trace_id" gorm:"index;size:32;comment:链路追踪ID"`
	Principal    string     `json:"principal" gorm:"index;size:100;comment:提交方身份(API Key标识)"`
	ClientIP     string     `json:"client_ip" gorm:"size:64;comment:提交方IP"`
	PipelineName string     `json:"pipeline_name" gorm:"size:100;comment:使用的流水线名称"`
	Status       TaskStatus `json:"status" gorm:"size:20;default:'pending';comment:任务状态(pending/running/completed/failed/cancelled/timed_out)"`

	// 载荷
	InputPayload  string `json:"input_payload" gorm:"type:json;comment:提交输入(JSON)"`
	ResultPayload string `json:"result_payload" gorm:"type:json;comment:最终结果(JSON)"`

	// 终态错误
	ErrorKind string `json:"error_kind" gorm:"size:50;comment:错误类别"`
	ErrorMsg  string `json:"error_msg" gorm:"type:text;comment:错误信息"`

	// 时间记录(创建时间由 BaseModel.CreatedAt 承担)
	StartedAt *time.Time `json:"started_at" gorm:"comment:开始执行时间"`
	EndedAt   *time.Time `json:"ended_at" gorm:"comment:终态时间"`
}

// TableName 定义表名
func (TaskRecord) TableName() string {
	return "note_tasks"
}

// Error 读取记录上的终态错误，无错误时返回 nil
func (t *TaskRecord) Error() *TaskError {
	if t.ErrorKind == "" {
		return nil
	}
	return &TaskError{Kind: ErrorKind(t.ErrorKind), Message: t.ErrorMsg}
}
