/**
 * 路由:路由管理器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 路由管理器，包含Router结构体、NewRouter函数和SetupRoutes主函数
 * @func:
 */
package router

import (
	"notemaster/internal/app/master/middleware"
	"notemaster/internal/config"
	pipelineHandler "notemaster/internal/handler/pipeline"
	authPkg "notemaster/internal/pkg/auth"

	// 统一使用项目封装的日志模块，便于采集规范字段与统一输出
	"notemaster/internal/pkg/logger"
	"notemaster/internal/service/pipeline"

	"github.com/gin-gonic/gin"
)

// Router 路由管理器
type Router struct {
	config            *config.Config
	engine            *gin.Engine
	middlewareManager *middleware.MiddlewareManager
	// 笔记任务相关Handler
	taskHandler   *pipelineHandler.NoteTaskHandler
	streamHandler *pipelineHandler.StreamHandler
	// 就绪检查探测的存储实例
	store pipeline.TaskStore
}

// NewRouter 创建路由管理器实例
// 编排器与存储由应用层构建后传入，路由层只负责中间件与处理器的装配
func NewRouter(cfg *config.Config, orchestrator pipeline.Orchestrator, store pipeline.TaskStore) *Router {
	securityConfig := &cfg.Security

	// 流令牌管理器:提交接口签发、事件流订阅校验共用同一实例
	streamTokens := authPkg.NewStreamTokenManager(
		cfg.Security.JWT.Secret,
		cfg.Security.JWT.Issuer,
		cfg.Security.JWT.StreamTokenExpire,
	)

	// 初始化中间件管理器
	middlewareManager := middleware.NewMiddlewareManager(securityConfig, streamTokens)

	// 初始化处理器(控制器是服务集合,先初始化服务,然后服务装填成控制器)
	taskHandler := pipelineHandler.NewNoteTaskHandler(orchestrator, streamTokens)
	streamHandler := pipelineHandler.NewStreamHandler(orchestrator, &cfg.Stream)

	// 创建Gin引擎
	gin.SetMode(gin.ReleaseMode) // 设置为生产模式
	engine := gin.New()

	return &Router{
		config:            cfg,
		engine:            engine,
		middlewareManager: middlewareManager,
		taskHandler:       taskHandler,
		streamHandler:     streamHandler,
		store:             store,
	}
}

// SetupRoutes 设置全局中间件和路由
// 在这里配置调用各个路由模块
func (r *Router) SetupRoutes() {
	// 1) 先注册全局中间件；2) 再注册各模块路由。

	// 1) 全局中间件注册
	r.registerGlobalMiddleware()

	// 2) 路由注册
	r.registerRoutes()
}

// GetEngine 获取Gin引擎实例
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// registerGlobalMiddleware 注册全局中间件
// 将全局中间件的挂载集中在一个方法中，便于统一管理与测试（只需在此处验证链条顺序）
func (r *Router) registerGlobalMiddleware() {
	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerGlobalMiddleware",
		"operation": "register_global_middleware",
		"option":    "middlewareManager.attach",
		"func_name": "router.registerGlobalMiddleware",
	}).Info("开始注册全局中间件")

	// 系统恢复中间件，防止 panic 直接导致进程崩溃
	r.engine.Use(gin.Recovery())

	if r.middlewareManager != nil {
		// CORS 中间件
		r.engine.Use(r.middlewareManager.GinCORSMiddleware())
		// 安全响应头中间件
		r.engine.Use(r.middlewareManager.GinSecurityHeadersMiddleware())
		// 统一日志中间件(同时注入trace_id与client_ip)
		r.engine.Use(r.middlewareManager.GinLoggingMiddleware())
		// IP白名单中间件
		r.engine.Use(r.middlewareManager.GinIPWhitelistMiddleware())
	}

	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerGlobalMiddleware",
		"operation": "register_global_middleware",
		"option":    "middlewareManager.attach.done",
		"func_name": "router.registerGlobalMiddleware",
	}).Info("全局中间件注册完成")
}

// registerRoutes 注册路由
// 将"中间件注册"和"各模块路由注册"的步骤分离，提升可维护性与可测试性
func (r *Router) registerRoutes() {
	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerRoutes",
		"operation": "register_routes",
		"option":    "routes.attach.begin",
		"func_name": "router.registerRoutes",
	}).Info("开始注册路由")

	// API 版本路由组：/api/v1
	api := r.engine.Group("/api")
	v1 := api.Group("/v1")

	// 具体模块路由注册
	// 笔记任务路由（需要 API 密钥认证，事件流单独认证）
	r.setupNoteRoutes(v1)
	// 健康检查路由
	r.setupHealthRoutes(api)
	// 监控指标路由
	r.setupMetricsRoutes(api)

	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerRoutes",
		"operation": "register_routes",
		"option":    "routes.attach.done",
		"func_name": "router.registerRoutes",
	}).Info("路由注册完成")
}
