/**
 * 模型:阶段执行结果
 * @author: sun977
 * @date: 2025.12.18
 * @description: 流水线阶段的单次尝试记录，按次追加，追加后不再修改
 * @func: StageResult 实体、StageOutcome 结果枚举
 */
package pipeline

import (
	"time"

	"notemaster/internal/model/basemodel"
)

// StageOutcome 单次阶段尝试的结果枚举
type StageOutcome string

const (
	StageOutcomeSucceeded StageOutcome = "succeeded" // 本次尝试成功
	StageOutcomeFailed    StageOutcome = "failed"    // 本次尝试失败
	StageOutcomeCancelled StageOutcome = "cancelled" // 尝试期间观察到取消信号
	StageOutcomeTimedOut  StageOutcome = "timed_out" // 尝试期间超时
)

// StageResult 阶段执行结果表
// 每次阶段尝试追加一行(含失败尝试)，同一任务内由执行器串行写入
// Output 仅存储该次尝试的产出摘要，任务最终结果在 TaskRecord.ResultPayload
type StageResult struct {
	basemodel.BaseModel

	TaskID    string       `json:"task_id" gorm:"index;not null;size:64;comment:所属任务ID"`
	StageName string       `json:"stage_name" gorm:"size:100;not null;comment:阶段名称"`
	Attempt   int          `json:"attempt" gorm:"not null;default:1;comment:尝试序号(从1开始)"`
	Outcome   StageOutcome `json:"outcome" gorm:"size:20;comment:尝试结果(succeeded/failed/cancelled/timed_out)"`

	Output    string `json:"output" gorm:"type:json;comment:阶段产出(JSON)"`
	ErrorKind string `json:"error_kind" gorm:"size:50;comment:错误类别"`
	ErrorMsg  string `json:"error_msg" gorm:"type:text;comment:错误信息"`

	StartedAt *time.Time `json:"started_at" gorm:"comment:本次尝试开始时间"`
	EndedAt   *time.Time `json:"ended_at" gorm:"comment:本次尝试结束时间"`
}

// TableName 定义数据库表名
func (StageResult) TableName() string {
	return "note_stage_results"
}
