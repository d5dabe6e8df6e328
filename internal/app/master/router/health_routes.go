/**
 * 路由:健康检查路由
 * @author: sun977
 * @date: 2025.12.19
 * @description: 包含健康检查路由
 * @func:
 */

package router

import (
	"context"
	"net/http"

	"notemaster/internal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// pinger 就绪检查时探测存储连通性的可选接口
type pinger interface {
	Ping(ctx context.Context) error
}

// setupHealthRoutes 设置健康检查路由
func (r *Router) setupHealthRoutes(api *gin.RouterGroup) {
	if !r.config.Monitor.Health.Enabled {
		return
	}

	healthPath := r.config.Monitor.Health.Path
	if healthPath == "" {
		healthPath = "/health"
	}

	// 健康检查
	api.GET(healthPath, r.healthCheck)
	// 就绪检查
	api.GET("/ready", r.readinessCheck)
	// 存活检查
	api.GET("/live", r.livenessCheck)
}

// 健康检查处理器
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": logger.NowFormatted(),
	})
}

// readinessCheck 就绪检查处理器
// 存储可探测时校验其连通性，不可用即返回503
func (r *Router) readinessCheck(c *gin.Context) {
	if p, ok := r.store.(pinger); ok {
		if err := p.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not ready",
				"error":     err.Error(),
				"timestamp": logger.NowFormatted(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": logger.NowFormatted(),
	})
}

// livenessCheck 存活检查处理器
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": logger.NowFormatted(),
	})
}
