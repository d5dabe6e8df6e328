/**
 * 服务层:任务存储契约
 * @author: sun977
 * @date: 2025.12.19
 * @description: 任务记录与阶段结果的持久化接口定义，由内存实现与MySQL实现分别满足
 * @func: TaskStore 接口、StatusCache 接口
 */
package pipeline

import (
	"context"
	"time"

	pipelineModel "notemaster/internal/model/pipeline"
)

// TaskStore 任务记录存储接口
// 同一任务的写入方唯一:受理后仅持有该任务的执行器goroutine写入状态，
// 编排器只在无存活执行器时(孤儿回收)直接写入
type TaskStore interface {
	// Create 创建处于pending状态的任务记录
	// 任务ID冲突时返回 ErrDuplicateTaskID
	Create(ctx context.Context, record *pipelineModel.TaskRecord) error

	// Get 按任务ID读取记录，不存在时返回 ErrTaskNotFound
	Get(ctx context.Context, taskID string) (*pipelineModel.TaskRecord, error)

	// Transition 将任务迁移到目标状态，以当前状态校验状态机合法性
	// 进入running时记录StartedAt，进入终态时记录EndedAt、错误与结果
	// 非法迁移返回 ErrInvalidTransition(终态不再接受任何迁移)，记录不存在返回 ErrTaskNotFound
	// result 仅在成功终态时非空，为最终结果JSON
	Transition(ctx context.Context, taskID string, to pipelineModel.TaskStatus, taskErr *pipelineModel.TaskError, result string) error

	// AppendStageResult 追加一条阶段尝试记录，追加后不再修改
	// 任务不存在返回 ErrTaskNotFound，任务已终态返回 ErrTaskTerminal
	AppendStageResult(ctx context.Context, taskID string, result *pipelineModel.StageResult) error

	// ListStageResults 按追加顺序返回任务的全部阶段尝试记录
	ListStageResults(ctx context.Context, taskID string) ([]pipelineModel.StageResult, error)

	// ListUnfinished 返回updatedAt早于olderThan的全部非终态任务记录，用于启动时孤儿回收
	ListUnfinished(ctx context.Context, olderThan time.Time) ([]pipelineModel.TaskRecord, error)
}

// StatusCache 任务状态快照缓存接口
// 仅缓存终态快照(内容不可变)，未命中或缓存不可用时调用方回源存储
type StatusCache interface {
	// GetSnapshot 读取缓存的快照，未命中时返回 (nil, nil)
	GetSnapshot(ctx context.Context, taskID string) (*pipelineModel.TaskSnapshot, error)

	// SetSnapshot 写入终态快照
	SetSnapshot(ctx context.Context, snapshot *pipelineModel.TaskSnapshot) error
}
