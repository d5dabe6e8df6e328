/**
 * 仓库层:任务数据访问
 * @author: sun977
 * @date: 2025.12.19
 * @description: 任务记录与阶段结果的内存存储(适合单实例部署与测试环境)
 * @func: 单纯数据访问,不应该包含业务逻辑
 * @note: 与 internal/repo/mysql/pipeline/task_store.go 保持行为一致(可在配置文件中配置,二选一)
 */
// internal/repo/memory/task_store.go
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	pipelineModel "notemaster/internal/model/pipeline"
)

// taskEntry 任务条目，任务记录与其阶段结果一并保存
type taskEntry struct {
	record  *pipelineModel.TaskRecord
	results []pipelineModel.StageResult
}

// TaskStore 内存任务存储库
type TaskStore struct {
	tasks  map[string]*taskEntry
	nextID uint64
	mutex  sync.RWMutex
}

// NewTaskStore 创建内存任务存储库实例
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*taskEntry),
	}
}

// Create 创建任务记录
func (r *TaskStore) Create(ctx context.Context, record *pipelineModel.TaskRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.tasks[record.TaskID]; exists {
		return pipelineModel.ErrDuplicateTaskID
	}

	now := time.Now()
	r.nextID++
	stored := cloneTaskRecord(record)
	stored.ID = r.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.tasks[record.TaskID] = &taskEntry{record: stored}

	// 回填主键与时间戳，保持与数据库实现一致的调用方可见行为
	record.ID = stored.ID
	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get 获取指定任务记录
func (r *TaskStore) Get(ctx context.Context, taskID string) (*pipelineModel.TaskRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.tasks[taskID]
	if !exists {
		return nil, pipelineModel.ErrTaskNotFound
	}

	return cloneTaskRecord(entry.record), nil
}

// Transition 迁移任务状态
// 以当前状态校验状态机合法性，进入running记录开始时间，进入终态记录结束时间/错误/结果
func (r *TaskStore) Transition(ctx context.Context, taskID string, to pipelineModel.TaskStatus, taskErr *pipelineModel.TaskError, result string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.tasks[taskID]
	if !exists {
		return pipelineModel.ErrTaskNotFound
	}

	if !pipelineModel.CanTransition(entry.record.Status, to) {
		return pipelineModel.ErrInvalidTransition
	}

	now := time.Now()
	entry.record.Status = to
	entry.record.UpdatedAt = now

	if to == pipelineModel.TaskStatusRunning {
		startedAt := now
		entry.record.StartedAt = &startedAt
	}
	if to.IsTerminal() {
		endedAt := now
		entry.record.EndedAt = &endedAt
		entry.record.ResultPayload = result
		if taskErr != nil {
			entry.record.ErrorKind = string(taskErr.Kind)
			entry.record.ErrorMsg = taskErr.Message
		}
	}
	return nil
}

// AppendStageResult 追加一条阶段尝试记录
func (r *TaskStore) AppendStageResult(ctx context.Context, taskID string, result *pipelineModel.StageResult) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.tasks[taskID]
	if !exists {
		return pipelineModel.ErrTaskNotFound
	}
	if entry.record.Status.IsTerminal() {
		return pipelineModel.ErrTaskTerminal
	}

	now := time.Now()
	r.nextID++
	stored := cloneStageResult(result)
	stored.ID = r.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.TaskID = taskID

	entry.results = append(entry.results, *stored)
	result.ID = stored.ID
	result.CreatedAt = stored.CreatedAt
	result.UpdatedAt = stored.UpdatedAt
	return nil
}

// ListStageResults 按追加顺序返回任务的全部阶段尝试记录
// 任务不存在时返回空列表，与数据库实现的查询语义一致
func (r *TaskStore) ListStageResults(ctx context.Context, taskID string) ([]pipelineModel.StageResult, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.tasks[taskID]
	if !exists {
		return []pipelineModel.StageResult{}, nil
	}

	results := make([]pipelineModel.StageResult, 0, len(entry.results))
	for i := range entry.results {
		results = append(results, *cloneStageResult(&entry.results[i]))
	}
	return results, nil
}

// ListUnfinished 返回更新时间早于olderThan的全部非终态任务记录
func (r *TaskStore) ListUnfinished(ctx context.Context, olderThan time.Time) ([]pipelineModel.TaskRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	records := make([]pipelineModel.TaskRecord, 0)
	for _, entry := range r.tasks {
		if entry.record.Status.IsTerminal() {
			continue
		}
		if !entry.record.UpdatedAt.Before(olderThan) {
			continue
		}
		records = append(records, *cloneTaskRecord(entry.record))
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Ping 检查存储连接（内存存储始终返回nil）
func (r *TaskStore) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭存储连接（内存存储不需要实际关闭）
func (r *TaskStore) Close() error {
	return nil
}

// cloneTaskRecord 深拷贝任务记录，避免调用方与存储内部共享可变数据
func cloneTaskRecord(record *pipelineModel.TaskRecord) *pipelineModel.TaskRecord {
	clone := *record
	if record.StartedAt != nil {
		startedAt := *record.StartedAt
		clone.StartedAt = &startedAt
	}
	if record.EndedAt != nil {
		endedAt := *record.EndedAt
		clone.EndedAt = &endedAt
	}
	return &clone
}

// cloneStageResult 深拷贝阶段结果
func cloneStageResult(result *pipelineModel.StageResult) *pipelineModel.StageResult {
	clone := *result
	if result.StartedAt != nil {
		startedAt := *result.StartedAt
		clone.StartedAt = &startedAt
	}
	if result.EndedAt != nil {
		endedAt := *result.EndedAt
		clone.EndedAt = &endedAt
	}
	return &clone
}
