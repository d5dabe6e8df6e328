/**
 * 仓库层:任务快照缓存访问
 * @author: sun977
 * @date: 2025.12.19
 * @description: 终态任务快照的内存缓存层(适合单实例部署)
 * @func: 单纯数据访问,不应该包含业务逻辑
 * @note: 与 internal/repo/redis/task_cache.go 保持行为一致(可在配置文件中配置,二选一)
 */
// internal/repo/memory/snapshot_cache.go
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	pipelineModel "notemaster/internal/model/pipeline"
)

// snapshotEntry 快照条目
type snapshotEntry struct {
	snapshot   *pipelineModel.TaskSnapshot
	expiration time.Time
}

// SnapshotCache 内存任务快照缓存库
type SnapshotCache struct {
	snapshots map[string]*snapshotEntry
	ttl       time.Duration
	mutex     sync.RWMutex
}

// NewSnapshotCache 创建内存任务快照缓存库实例
// ttl 为终态快照的保留时长，0表示不过期
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	cache := &SnapshotCache{
		snapshots: make(map[string]*snapshotEntry),
		ttl:       ttl,
	}

	// 启动过期清理goroutine
	go cache.cleanupExpired()

	return cache
}

// cleanupExpired 定期清理过期条目
func (r *SnapshotCache) cleanupExpired() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		r.mutex.Lock()
		for taskID, entry := range r.snapshots {
			if !entry.expiration.IsZero() && now.After(entry.expiration) {
				delete(r.snapshots, taskID)
			}
		}
		r.mutex.Unlock()
	}
}

// GetSnapshot 获取缓存的任务快照，未命中时返回 (nil, nil)
func (r *SnapshotCache) GetSnapshot(ctx context.Context, taskID string) (*pipelineModel.TaskSnapshot, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.snapshots[taskID]
	if !exists {
		return nil, nil
	}
	if !entry.expiration.IsZero() && time.Now().After(entry.expiration) {
		return nil, nil
	}

	return entry.snapshot, nil
}

// SetSnapshot 写入终态任务快照
func (r *SnapshotCache) SetSnapshot(ctx context.Context, snapshot *pipelineModel.TaskSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry := &snapshotEntry{snapshot: snapshot}
	if r.ttl > 0 {
		entry.expiration = time.Now().Add(r.ttl)
	}
	r.snapshots[snapshot.TaskID] = entry
	return nil
}

// Ping 检查存储连接（内存存储始终返回nil）
func (r *SnapshotCache) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭存储连接（内存存储不需要实际关闭）
func (r *SnapshotCache) Close() error {
	return nil
}
