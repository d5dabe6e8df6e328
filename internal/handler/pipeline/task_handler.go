package pipeline

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/model/system"
	"notemaster/internal/pkg/auth"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/utils"
	"notemaster/internal/service/pipeline"

	"github.com/gin-gonic/gin"
)

// NoteTaskHandler 笔记生成任务处理器
type NoteTaskHandler struct {
	orchestrator pipeline.Orchestrator
	streamTokens *auth.StreamTokenManager
}

// NewNoteTaskHandler 创建 NoteTaskHandler
func NewNoteTaskHandler(orchestrator pipeline.Orchestrator, streamTokens *auth.StreamTokenManager) *NoteTaskHandler {
	return &NoteTaskHandler{
		orchestrator: orchestrator,
		streamTokens: streamTokens,
	}
}

// Submit 受理笔记生成任务
// 请求体校验通过后交给编排器做准入与入库，受理成功返回202与任务标识、事件流令牌
func (h *NoteTaskHandler) Submit(c *gin.Context) {
	var payload pipelineModel.SubmitNoteRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, system.APIResponse{
			Code:    http.StatusBadRequest,
			Status:  "error",
			Message: "Invalid request body",
			Error:   err.Error(),
		})
		return
	}

	req := &pipeline.SubmitRequest{
		Principal: utils.GetPrincipalFromGinContext(c),
		ClientIP:  utils.GetClientIPFromGinContext(c),
		TraceID:   utils.GetTraceIDFromGinContext(c),
		Payload:   &payload,
	}

	result, err := h.orchestrator.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeTaskError(c, "Failed to submit task", err)
		return
	}

	// 签发与任务绑定的事件流令牌，浏览器端EventSource通过查询参数携带
	streamToken := ""
	if h.streamTokens != nil {
		token, tokenErr := h.streamTokens.GenerateStreamToken(result.TaskID, req.Principal)
		if tokenErr != nil {
			logger.LogError(tokenErr, result.TraceID, result.TaskID, req.ClientIP, c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation": "generate_stream_token",
				"timestamp": logger.NowFormatted(),
			})
		} else {
			streamToken = token
		}
	}

	logger.WithFields(map[string]interface{}{
		"path":      c.Request.URL.String(),
		"operation": "submit_note_task",
		"option":    "Orchestrator.Submit",
		"func_name": "handler.pipeline.task.Submit",
		"task_id":   result.TaskID,
		"trace_id":  result.TraceID,
		"principal": req.Principal,
	}).Info("笔记任务受理成功")

	c.JSON(http.StatusAccepted, system.APIResponse{
		Code:    http.StatusAccepted,
		Status:  "success",
		Message: "Task accepted",
		Data: pipelineModel.SubmitTaskResponse{
			TaskID:      result.TaskID,
			TraceID:     result.TraceID,
			Status:      string(result.Status),
			StreamToken: streamToken,
			StreamPath:  "/api/v1/notes/tasks/" + result.TaskID + "/events",
		},
	})
}

// Status 查询任务状态快照
func (h *NoteTaskHandler) Status(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, system.APIResponse{
			Code:    http.StatusBadRequest,
			Status:  "error",
			Message: "Task ID is required",
		})
		return
	}

	snapshot, err := h.orchestrator.Status(c.Request.Context(), taskID)
	if err != nil {
		h.writeTaskError(c, "Failed to get task status", err)
		return
	}

	c.JSON(http.StatusOK, system.APIResponse{
		Code:    http.StatusOK,
		Status:  "success",
		Message: "Task status retrieved successfully",
		Data:    snapshot,
	})
}

// Cancel 请求取消任务
// 取消是异步生效的：返回成功仅代表取消信号已下发，最终状态以查询结果为准
func (h *NoteTaskHandler) Cancel(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, system.APIResponse{
			Code:    http.StatusBadRequest,
			Status:  "error",
			Message: "Task ID is required",
		})
		return
	}

	if err := h.orchestrator.Cancel(c.Request.Context(), taskID); err != nil {
		h.writeTaskError(c, "Failed to cancel task", err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"path":      c.Request.URL.String(),
		"operation": "cancel_note_task",
		"option":    "Orchestrator.Cancel",
		"func_name": "handler.pipeline.task.Cancel",
		"task_id":   taskID,
		"principal": utils.GetPrincipalFromGinContext(c),
	}).Info("任务取消请求已下发")

	c.JSON(http.StatusOK, system.APIResponse{
		Code:    http.StatusOK,
		Status:  "success",
		Message: "Cancellation requested",
		Data: map[string]string{
			"task_id": taskID,
		},
	})
}

// writeTaskError 将服务层错误映射为HTTP错误响应
func (h *NoteTaskHandler) writeTaskError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipelineModel.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, pipelineModel.ErrPipelineNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, pipelineModel.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipelineModel.ErrTaskTerminal):
		status = http.StatusConflict
	case pipelineModel.IsRateLimited(err):
		status = http.StatusTooManyRequests
		setRetryAfterHeader(c, err)
	case pipelineModel.IsAdmissionTimeout(err):
		status = http.StatusServiceUnavailable
		setRetryAfterHeader(c, err)
	case errors.Is(err, pipelineModel.ErrServiceClosed):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, system.APIResponse{
		Code:    status,
		Status:  "error",
		Message: message,
		Error:   err.Error(),
	})
}

// setRetryAfterHeader 写入Retry-After响应头(秒，向上取整，至少1秒)
func setRetryAfterHeader(c *gin.Context, err error) {
	var ae *pipelineModel.AdmissionError
	if !errors.As(err, &ae) {
		return
	}
	seconds := int(math.Ceil(ae.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
}
