/**
 * 处理器:任务事件流
 * @author: sun977
 * @date: 2025.12.19
 * @description: SSE事件流处理器，把分发器的订阅转写为text/event-stream响应
 * @func:
 *   - Stream: 订阅任务事件流，直到终态事件、溢出断开或客户端断开
 */
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/model/system"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/metrics"
	"notemaster/internal/pkg/utils"
	"notemaster/internal/service/pipeline"

	"github.com/gin-gonic/gin"
)

// 心跳间隔缺省值，配置缺失时使用
const defaultHeartbeatInterval = 15 * time.Second

// StreamHandler SSE事件流处理器
type StreamHandler struct {
	orchestrator pipeline.Orchestrator
	streamConfig *config.StreamConfig
}

// NewStreamHandler 创建 StreamHandler
func NewStreamHandler(orchestrator pipeline.Orchestrator, streamConfig *config.StreamConfig) *StreamHandler {
	return &StreamHandler{
		orchestrator: orchestrator,
		streamConfig: streamConfig,
	}
}

// Stream 订阅任务事件流
// 响应为SSE流：每条事件按 id/event/data 帧写出，心跳以注释行维持连接。
// 终态事件送达后分发器关闭订阅通道，流随之结束；溢出断开时补发一条
// subscriber-overflow 帧提示客户端改用状态查询接口
func (h *StreamHandler) Stream(c *gin.Context) {
	taskID := c.Param("id")

	sub, err := h.orchestrator.Broker().Subscribe(taskID)
	if err != nil {
		h.writeSubscribeError(c, err)
		return
	}
	defer sub.Close()

	principal := utils.GetPrincipalFromGinContext(c)
	traceID := utils.GetTraceIDFromGinContext(c)

	metrics.Default.IncCounter("stream_connections_total", nil, 1)
	logger.WithFields(map[string]interface{}{
		"path":      c.Request.URL.Path,
		"operation": "subscribe_task_events",
		"option":    "Broker.Subscribe",
		"func_name": "handler.pipeline.stream.Stream",
		"task_id":   taskID,
		"trace_id":  traceID,
		"principal": principal,
	}).Info("事件流订阅建立")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeatInterval := h.streamConfig.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// 通道关闭:终态送达后的正常结束，或队列溢出被分发器断开
				if errors.Is(sub.Err(), pipelineModel.ErrSubscriberOverflow) {
					h.writeOverflowFrame(c, taskID, traceID)
					logger.WithFields(map[string]interface{}{
						"path":      c.Request.URL.Path,
						"operation": "subscribe_task_events",
						"option":    "subscriber.overflow",
						"func_name": "handler.pipeline.stream.Stream",
						"task_id":   taskID,
						"principal": principal,
					}).Warn("订阅队列溢出，事件流被断开")
				}
				return
			}
			if writeErr := writeEventFrame(c.Writer, ev); writeErr != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, writeErr := fmt.Fprint(c.Writer, ": heartbeat\n\n"); writeErr != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			// 客户端断开
			return
		}
	}
}

// writeSubscribeError 将订阅失败映射为HTTP错误响应
func (h *StreamHandler) writeSubscribeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Failed to subscribe task events"
	switch {
	case errors.Is(err, pipelineModel.ErrTaskNotFound):
		status = http.StatusNotFound
		message = "Task not found"
	case errors.Is(err, pipelineModel.ErrTooManySubscribers):
		status = http.StatusTooManyRequests
		message = "Too many subscribers"
	case errors.Is(err, pipelineModel.ErrStreamClosed):
		status = http.StatusServiceUnavailable
		message = "Event stream is closed"
	}
	c.JSON(status, system.APIResponse{
		Code:    status,
		Status:  "error",
		Message: message,
		Error:   err.Error(),
	})
}

// writeOverflowFrame 补发订阅溢出提示帧
// 溢出断开由分发器在发布侧触发，该帧不占用任务事件序号
func (h *StreamHandler) writeOverflowFrame(c *gin.Context, taskID, traceID string) {
	ev := &pipelineModel.Event{
		TaskID:    taskID,
		TraceID:   traceID,
		Kind:      pipelineModel.EventKindSubscriberOverflow,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Kind, data)
	c.Writer.Flush()
}

// writeEventFrame 按SSE规范写出一条事件帧
func writeEventFrame(w io.Writer, ev *pipelineModel.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}
