/**
 * 路由:笔记任务路由
 * @author: sun977
 * @date: 2025.12.19
 * @description: 笔记生成任务的提交、查询、取消与事件流订阅路由
 * @func:
 */
package router

import (
	"github.com/gin-gonic/gin"
)

// setupNoteRoutes 设置笔记任务路由
func (r *Router) setupNoteRoutes(v1 *gin.RouterGroup) {
	tasks := v1.Group("/notes/tasks")

	// 事件流订阅单独认证:流令牌(查询参数)或API密钥均可
	tasks.GET("/:id/events", r.middlewareManager.GinStreamAuthMiddleware(), r.streamHandler.Stream)

	// 其余接口需要API密钥认证
	authed := tasks.Group("", r.middlewareManager.GinAPIKeyAuthMiddleware())
	{
		// 提交笔记生成任务
		authed.POST("", r.taskHandler.Submit) // handler/pipeline/task_handler.go
		// 查询任务状态快照
		authed.GET("/:id", r.taskHandler.Status)
		// 请求取消任务
		authed.POST("/:id/cancel", r.taskHandler.Cancel)
	}
}
