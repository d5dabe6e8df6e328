/**
 * 应用:主服务装配
 * @author: sun977
 * @date: 2025.12.19
 * @description: 应用装配层，按配置选择存储与缓存实现，构建编排器与路由，管理进程级资源的关停
 * @func:
 *   - NewApp: 装配应用
 *   - Reconcile: 启动前孤儿任务回收
 *   - Shutdown: 优雅关停编排器与外部连接
 */
package master

import (
	"context"
	"fmt"

	"notemaster/internal/app/master/router"
	"notemaster/internal/config"
	"notemaster/internal/pkg/database"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/repo/memory"
	mysqlRepo "notemaster/internal/repo/mysql/pipeline"
	redisRepo "notemaster/internal/repo/redis"
	"notemaster/internal/service/llm"
	"notemaster/internal/service/pipeline"
	"notemaster/internal/service/pipeline/stages"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App 应用程序结构体
// 持有全部需要随进程关停的资源
type App struct {
	config       *config.Config
	router       *router.Router
	orchestrator pipeline.Orchestrator
	db           *gorm.DB
	redisClient  *redis.Client
}

// NewApp 创建应用实例
// 装配顺序:日志 → 存储/缓存 → LLM客户端与阶段注册表 → 流水线定义 → 编排器 → 路由
func NewApp(cfg *config.Config) (*App, error) {
	if _, err := logger.InitLogger(&cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	// 按配置选择任务存储:MySQL(持久化) 或 进程内内存
	var (
		store pipeline.TaskStore
		db    *gorm.DB
	)
	if cfg.Database.MySQL.Enabled {
		conn, err := database.NewMySQLConnection(&cfg.Database.MySQL)
		if err != nil {
			return nil, fmt.Errorf("连接MySQL失败: %w", err)
		}
		db = conn
		store = mysqlRepo.NewTaskStore(conn)
	} else {
		store = memory.NewTaskStore()
	}

	// 按配置选择终态快照缓存:Redis 或 进程内内存
	var (
		cache       pipeline.StatusCache
		redisClient *redis.Client
	)
	if cfg.Database.Redis.Enabled {
		client, err := database.NewRedisConnection(&cfg.Database.Redis)
		if err != nil {
			return nil, fmt.Errorf("连接Redis失败: %w", err)
		}
		redisClient = client
		cache = redisRepo.NewTaskCache(client, cfg.Pipeline.StatusCacheTTL)
	} else {
		cache = memory.NewSnapshotCache(cfg.Pipeline.StatusCacheTTL)
	}

	// LLM客户端与阶段注册表
	llmClient, err := llm.NewClient(&cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("初始化大模型客户端失败: %w", err)
	}
	registry := stages.NewRegistry(llmClient)

	// 流水线定义
	defs, err := config.LoadPipelineDefinitions(cfg.Pipeline.DefinitionsFile)
	if err != nil {
		return nil, fmt.Errorf("加载流水线定义失败: %w", err)
	}

	// 编排器
	orch, err := pipeline.NewOrchestrator(cfg, defs, registry, store, cache)
	if err != nil {
		return nil, fmt.Errorf("构建编排器失败: %w", err)
	}

	// 路由
	rt := router.NewRouter(cfg, orch, store)
	rt.SetupRoutes()

	logger.LogSystemEvent("app", "assembled", "应用装配完成", logrus.InfoLevel, map[string]interface{}{
		"mysql_enabled": cfg.Database.MySQL.Enabled,
		"redis_enabled": cfg.Database.Redis.Enabled,
		"pipelines":     len(defs.Pipelines),
	})

	return &App{
		config:       cfg,
		router:       rt,
		orchestrator: orch,
		db:           db,
		redisClient:  redisClient,
	}, nil
}

// GetConfig 获取配置实例
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetRouter 获取路由器实例
func (a *App) GetRouter() *router.Router {
	return a.router
}

// GetOrchestrator 获取编排器实例
func (a *App) GetOrchestrator() pipeline.Orchestrator {
	return a.orchestrator
}

// Reconcile 回收进程重启遗留的孤儿任务，启动对外服务前调用
func (a *App) Reconcile(ctx context.Context) error {
	count, err := a.orchestrator.Reconcile(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		logger.LogSystemEvent("app", "reconcile", fmt.Sprintf("回收孤儿任务 %d 个", count), logrus.WarnLevel, nil)
	}
	return nil
}

// Shutdown 优雅关停
// 编排器先关:取消中的任务发布终态事件后SSE订阅随之结束，HTTP连接才能排空
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.orchestrator.Close(ctx); err != nil {
		logger.LogError(err, "", "", "", "app_shutdown", "SYSTEM", map[string]interface{}{
			"operation": "orchestrator_close",
		})
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			logger.LogError(err, "", "", "", "app_shutdown", "SYSTEM", map[string]interface{}{
				"operation": "redis_close",
			})
		}
	}

	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.LogError(closeErr, "", "", "", "app_shutdown", "SYSTEM", map[string]interface{}{
					"operation": "mysql_close",
				})
			}
		}
	}

	logger.LogSystemEvent("app", "shutdown", "应用已关停", logrus.InfoLevel, nil)
	return nil
}
