package pipeline

import (
	"context"
	"errors"
	"time"

	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/pkg/logger"

	"gorm.io/gorm"
)

// TaskStore 任务记录仓库
// 同一任务由唯一执行器goroutine写入，状态迁移仍带条件更新兜底
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore 创建 TaskStore 实例
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create 创建任务记录
func (r *TaskStore) Create(ctx context.Context, record *pipelineModel.TaskRecord) error {
	if record == nil {
		return errors.New("record is nil")
	}
	err := r.db.WithContext(ctx).Create(record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return pipelineModel.ErrDuplicateTaskID
		}
		logger.LogError(err, "", record.TaskID, "", "create_task", "REPO", map[string]interface{}{
			"operation": "create_task",
			"pipeline":  record.PipelineName,
		})
		return err
	}
	return nil
}

// Get 根据任务ID获取任务记录
func (r *TaskStore) Get(ctx context.Context, taskID string) (*pipelineModel.TaskRecord, error) {
	var record pipelineModel.TaskRecord
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pipelineModel.ErrTaskNotFound
		}
		logger.LogError(err, "", taskID, "", "get_task", "REPO", map[string]interface{}{
			"operation": "get_task",
		})
		return nil, err
	}
	return &record, nil
}

// Transition 迁移任务状态
// 先读当前状态校验合法性，再以条件更新提交，谁先提交谁生效
func (r *TaskStore) Transition(ctx context.Context, taskID string, to pipelineModel.TaskStatus, taskErr *pipelineModel.TaskError, result string) error {
	current, err := r.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if !pipelineModel.CanTransition(current.Status, to) {
		return pipelineModel.ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status": string(to),
	}
	now := time.Now()
	if to == pipelineModel.TaskStatusRunning {
		updates["started_at"] = now
	}
	if to.IsTerminal() {
		updates["ended_at"] = now
		updates["result_payload"] = result
		if taskErr != nil {
			updates["error_kind"] = string(taskErr.Kind)
			updates["error_msg"] = taskErr.Message
		}
	}

	res := r.db.WithContext(ctx).Model(&pipelineModel.TaskRecord{}).
		Where("task_id = ? AND status = ?", taskID, string(current.Status)).
		Updates(updates)
	if res.Error != nil {
		logger.LogError(res.Error, "", taskID, "", "transition_task", "REPO", map[string]interface{}{
			"operation": "transition_task",
			"from":      string(current.Status),
			"to":        string(to),
		})
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 条件更新未命中，说明状态已被并发修改
		return pipelineModel.ErrInvalidTransition
	}
	return nil
}

// AppendStageResult 追加一条阶段尝试记录
func (r *TaskStore) AppendStageResult(ctx context.Context, taskID string, result *pipelineModel.StageResult) error {
	if result == nil {
		return errors.New("result is nil")
	}

	record, err := r.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return pipelineModel.ErrTaskTerminal
	}

	result.TaskID = taskID
	err = r.db.WithContext(ctx).Create(result).Error
	if err != nil {
		logger.LogError(err, "", taskID, "", "append_stage_result", "REPO", map[string]interface{}{
			"operation":  "append_stage_result",
			"stage_name": result.StageName,
			"attempt":    result.Attempt,
		})
		return err
	}
	return nil
}

// ListStageResults 按追加顺序返回任务的全部阶段尝试记录
func (r *TaskStore) ListStageResults(ctx context.Context, taskID string) ([]pipelineModel.StageResult, error) {
	var results []pipelineModel.StageResult
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id asc").
		Find(&results).Error
	if err != nil {
		logger.LogError(err, "", taskID, "", "list_stage_results", "REPO", map[string]interface{}{
			"operation": "list_stage_results",
		})
		return nil, err
	}
	return results, nil
}

// ListUnfinished 返回更新时间早于olderThan的全部非终态任务记录(用于孤儿回收)
func (r *TaskStore) ListUnfinished(ctx context.Context, olderThan time.Time) ([]pipelineModel.TaskRecord, error) {
	var records []pipelineModel.TaskRecord
	nonTerminal := []string{
		string(pipelineModel.TaskStatusPending),
		string(pipelineModel.TaskStatusRunning),
	}
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", nonTerminal, olderThan).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		logger.LogError(err, "", "", "", "list_unfinished_tasks", "REPO", map[string]interface{}{
			"operation": "list_unfinished_tasks",
		})
		return nil, err
	}
	return records, nil
}

// Ping 探测数据库连通性(就绪检查使用)
func (r *TaskStore) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
