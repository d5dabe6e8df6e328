/**
 * 路由:监控指标路由
 * @author: sun977
 * @date: 2025.12.19
 * @description: 指标快照(JSON)与Prometheus文本格式导出路由
 * @func:
 */
package router

import (
	"net/http"

	"notemaster/internal/model/system"
	"notemaster/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// setupMetricsRoutes 设置监控指标路由
func (r *Router) setupMetricsRoutes(api *gin.RouterGroup) {
	if !r.config.Monitor.Metrics.Enabled {
		return
	}

	metricsPath := r.config.Monitor.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	// 指标快照(JSON)
	api.GET(metricsPath, r.metricsSnapshot)
	// Prometheus文本格式
	api.GET(metricsPath+"/prometheus", r.metricsPrometheus)
}

// metricsSnapshot 返回当前指标快照
func (r *Router) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, system.APIResponse{
		Code:    http.StatusOK,
		Status:  "success",
		Message: "Metrics snapshot",
		Data:    metrics.Default.Snapshot(),
	})
}

// metricsPrometheus 按Prometheus文本格式导出指标
func (r *Router) metricsPrometheus(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(metrics.Default.RenderPrometheus()))
}
