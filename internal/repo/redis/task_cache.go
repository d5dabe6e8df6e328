/**
 * 仓库层:任务快照缓存访问
 * @author: sun977
 * @date: 2025.12.19
 * @description: 终态任务快照的Redis缓存层(适合多实例部署)
 * @func: 单纯数据访问,不应该包含业务逻辑
 * @note: 仅缓存终态快照(内容不可变)，未命中由调用方回源存储，缓存损坏按未命中处理
 */
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pipelineModel "notemaster/internal/model/pipeline"

	"github.com/go-redis/redis/v8"
)

// TaskCache Redis任务快照缓存库
type TaskCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTaskCache 创建任务快照缓存库实例
// ttl 为终态快照的保留时长，0表示不过期
func NewTaskCache(client *redis.Client, ttl time.Duration) *TaskCache {
	return &TaskCache{
		client: client,
		ttl:    ttl,
	}
}

// GetSnapshot 获取缓存的任务快照，未命中时返回 (nil, nil)
func (r *TaskCache) GetSnapshot(ctx context.Context, taskID string) (*pipelineModel.TaskSnapshot, error) {
	snapshotKey := r.getSnapshotKey(taskID)

	data, err := r.client.Get(ctx, snapshotKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task snapshot: %w", err)
	}

	var snapshot pipelineModel.TaskSnapshot
	err = json.Unmarshal([]byte(data), &snapshot)
	if err != nil {
		// 缓存内容损坏，按未命中处理，条目由TTL自然淘汰
		return nil, nil
	}

	return &snapshot, nil
}

// SetSnapshot 写入终态任务快照
func (r *TaskCache) SetSnapshot(ctx context.Context, snapshot *pipelineModel.TaskSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal task snapshot: %w", err)
	}

	snapshotKey := r.getSnapshotKey(snapshot.TaskID)

	err = r.client.Set(ctx, snapshotKey, data, r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store task snapshot: %w", err)
	}

	return nil
}

// getSnapshotKey 生成任务快照键[KEY:note:task:snapshot:{taskID}]
func (r *TaskCache) getSnapshotKey(taskID string) string {
	return fmt.Sprintf("note:task:snapshot:%s", taskID)
}

// Ping 检查Redis连接
func (r *TaskCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (r *TaskCache) Close() error {
	return r.client.Close()
}
