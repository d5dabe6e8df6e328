package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/model/system"
)

// sseFrame 解析后的单条SSE帧
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// parseSSEFrames 按空行切分SSE响应体，忽略注释行(心跳)
func parseSSEFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				frame.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

func setupStreamRouter(orch *fakeOrchestrator, streamCfg *config.StreamConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewStreamHandler(orch, streamCfg)
	r := gin.New()
	r.GET("/api/v1/notes/tasks/:id/events", h.Stream)
	return r
}

func TestStreamDeliversEventsUntilTerminal(t *testing.T) {
	streamCfg := &config.StreamConfig{QueueDepth: 16, HeartbeatInterval: time.Minute}
	orch := newFakeOrchestrator(streamCfg)
	orch.broker.Register("task-1", "trace-1")
	r := setupStreamRouter(orch, streamCfg)

	// ServeHTTP同步阻塞至流结束，事件从另一goroutine发布
	go func() {
		time.Sleep(50 * time.Millisecond)
		orch.broker.Publish("task-1", pipelineModel.EventKindStageStarted, pipelineModel.StageStartedPayload{
			Stage:   "visual_analysis",
			Attempt: 1,
		})
		orch.broker.Publish("task-1", pipelineModel.EventKindTaskCompleted, pipelineModel.TaskTerminalPayload{
			Status: pipelineModel.TaskStatusCompleted,
		})
	}()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/notes/tasks/task-1/events", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	frames := parseSSEFrames(t, w.Body.String())
	require.Len(t, frames, 2, "应收到阶段开始与任务完成两条事件帧")

	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, string(pipelineModel.EventKindStageStarted), frames[0].Event)
	var first pipelineModel.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &first))
	assert.Equal(t, "task-1", first.TaskID)
	assert.Equal(t, "trace-1", first.TraceID)
	assert.Equal(t, uint64(1), first.Seq)

	assert.Equal(t, "2", frames[1].ID)
	assert.Equal(t, string(pipelineModel.EventKindTaskCompleted), frames[1].Event)
}

func TestStreamTaskNotFound(t *testing.T) {
	streamCfg := &config.StreamConfig{QueueDepth: 16}
	orch := newFakeOrchestrator(streamCfg)
	r := setupStreamRouter(orch, streamCfg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/notes/tasks/unknown/events", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp system.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "Task not found", resp.Message)
}

func TestStreamHeartbeat(t *testing.T) {
	streamCfg := &config.StreamConfig{QueueDepth: 16, HeartbeatInterval: 10 * time.Millisecond}
	orch := newFakeOrchestrator(streamCfg)
	orch.broker.Register("task-1", "trace-1")
	r := setupStreamRouter(orch, streamCfg)

	// 无事件发布，客户端在若干个心跳周期后断开
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	req := httptest.NewRequest("GET", "/api/v1/notes/tasks/task-1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), ": heartbeat\n\n", "空闲连接应收到心跳注释行")
	assert.Empty(t, parseSSEFrames(t, w.Body.String()), "心跳不应被解析为事件帧")
}

func TestStreamAfterTerminalEndsImmediately(t *testing.T) {
	// 任务已到终态:订阅得到立即结束的空流，进度需改查状态接口
	streamCfg := &config.StreamConfig{QueueDepth: 16, BacklogDepth: 8, HeartbeatInterval: time.Minute}
	orch := newFakeOrchestrator(streamCfg)
	orch.broker.Register("task-1", "trace-1")
	orch.broker.Publish("task-1", pipelineModel.EventKindTaskFailed, pipelineModel.TaskTerminalPayload{
		Status: pipelineModel.TaskStatusFailed,
	})
	r := setupStreamRouter(orch, streamCfg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/notes/tasks/task-1/events", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, parseSSEFrames(t, w.Body.String()), "终态后的订阅不应再收到事件帧")
}
