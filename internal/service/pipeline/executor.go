/**
 * 服务层:流水线执行器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 单任务流水线驱动，阶段串行执行，按策略重试，超时与取消经同一上下文信号区分原因
 * @func: Executor、Execute、runStage
 */
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/metrics"
	"notemaster/internal/service/pipeline/stages"
)

// 取消原因哨兵，终态由触发取消的原因决定
var (
	errCauseCancelled       = errors.New("任务被外部取消")
	errCauseShutdown        = errors.New("服务关停")
	errCausePipelineTimeout = errors.New("流水线整体超时")
	errCauseStageTimeout    = errors.New("阶段执行超时")
)

// stageVerdict 单个阶段的执行裁决
// status为空表示阶段成功，流水线继续；否则为任务终态
type stageVerdict struct {
	output  string
	status  pipelineModel.TaskStatus
	taskErr *pipelineModel.TaskError
}

// Executor 流水线执行器
// 每个任务由唯一的goroutine调用Execute，状态与阶段结果仅由该goroutine写入
type Executor struct {
	store           TaskStore
	broker          *Broker
	pipelineTimeout time.Duration
}

// NewExecutor 创建流水线执行器
// pipelineTimeout 为整条流水线的墙钟预算，<=0表示不限制
func NewExecutor(store TaskStore, broker *Broker, pipelineTimeout time.Duration) *Executor {
	return &Executor{
		store:           store,
		broker:          broker,
		pipelineTimeout: pipelineTimeout,
	}
}

// Execute 驱动任务跑完流水线并写入终态
// ctx 为任务上下文(带取消原因)，外部取消与关停经其传入
// 本方法不负责释放准入槽位，槽位由编排器在goroutine生命周期上释放
func (e *Executor) Execute(ctx context.Context, record *pipelineModel.TaskRecord, compiled []stages.CompiledStage, req *pipelineModel.SubmitNoteRequest) {
	taskID := record.TaskID
	// 终态与阶段结果的持久化不受任务取消影响
	persistCtx := context.WithoutCancel(ctx)

	if err := e.store.Transition(persistCtx, taskID, pipelineModel.TaskStatusRunning, nil, ""); err != nil {
		logger.LogError(err, record.TraceID, taskID, record.ClientIP, "", "",
			map[string]interface{}{"operation": "task_start"})
		e.finish(persistCtx, record, pipelineModel.TaskStatusFailed, &pipelineModel.TaskError{
			Kind:    pipelineModel.ErrKindPersistence,
			Message: "任务启动状态写入失败: " + err.Error(),
		}, "")
		return
	}

	runCtx := ctx
	if e.pipelineTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, e.pipelineTimeout, errCausePipelineTimeout)
		defer cancel()
	}

	outputs := make(map[string]string, len(compiled))
	lastOutput := ""
	for i := range compiled {
		stage := &compiled[i]
		verdict := e.runStage(runCtx, persistCtx, record, stage, req, outputs)
		if verdict.status != "" {
			e.finish(persistCtx, record, verdict.status, verdict.taskErr, "")
			return
		}
		outputs[stage.Name] = verdict.output
		lastOutput = verdict.output
	}

	// 全部阶段成功，最终结果取末阶段产出；空流水线立即成功且无结果
	result := ""
	if len(compiled) > 0 {
		result = toJSONPayload(lastOutput)
	}
	e.finish(persistCtx, record, pipelineModel.TaskStatusCompleted, nil, result)
}

// runStage 执行单个阶段的全部尝试
func (e *Executor) runStage(runCtx, persistCtx context.Context, record *pipelineModel.TaskRecord, stage *stages.CompiledStage, req *pipelineModel.SubmitNoteRequest, outputs map[string]string) stageVerdict {
	taskID := record.TaskID
	input := &stages.Input{
		TaskID:  taskID,
		TraceID: record.TraceID,
		Request: req,
		Outputs: outputs,
		Emit: func(content string) {
			// 无订阅者时不发布增量产出
			if !e.broker.HasSubscribers(taskID) {
				return
			}
			e.broker.Publish(taskID, pipelineModel.EventKindChunk, pipelineModel.ChunkPayload{
				Stage:   stage.Name,
				Content: content,
			})
		},
	}

	var lastErr error
	for attempt := 1; attempt <= stage.MaxAttempts; attempt++ {
		// 阶段边界检查，取消与超时在此优先生效
		if runCtx.Err() != nil {
			return e.verdictFromCause(runCtx, lastErr)
		}

		e.broker.Publish(taskID, pipelineModel.EventKindStageStarted, pipelineModel.StageStartedPayload{
			Stage:   stage.Name,
			Attempt: attempt,
		})

		attemptCtx := runCtx
		var cancelAttempt context.CancelFunc
		if stage.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeoutCause(runCtx, stage.Timeout, errCauseStageTimeout)
		}
		startedAt := time.Now()
		output, err := stage.Run(attemptCtx, input)
		endedAt := time.Now()
		if cancelAttempt != nil {
			cancelAttempt()
		}

		if err == nil {
			e.recordAttempt(persistCtx, record, stage.Name, attempt, pipelineModel.StageOutcomeSucceeded, output, nil, startedAt, endedAt)
			return stageVerdict{output: output}
		}
		lastErr = err

		// 任务级取消或整体超时
		if runCtx.Err() != nil {
			verdict := e.verdictFromCause(runCtx, err)
			e.recordAttempt(persistCtx, record, stage.Name, attempt, outcomeForStatus(verdict.status), "", verdict.taskErr, startedAt, endedAt)
			return verdict
		}

		// 阶段级超时，终态与整体超时一致
		if attemptCtx.Err() != nil && errors.Is(context.Cause(attemptCtx), errCauseStageTimeout) {
			taskErr := &pipelineModel.TaskError{
				Kind:    pipelineModel.ErrKindTimeout,
				Message: "阶段 " + stage.Name + " 执行超时",
			}
			e.recordAttempt(persistCtx, record, stage.Name, attempt, pipelineModel.StageOutcomeTimedOut, "", taskErr, startedAt, endedAt)
			return stageVerdict{status: pipelineModel.TaskStatusTimedOut, taskErr: taskErr}
		}

		// 阶段错误分类:可重试耗尽或不可恢复都走失败终态
		if pipelineModel.IsTransient(err) {
			attemptErr := &pipelineModel.TaskError{Kind: pipelineModel.ErrKindTransient, Message: err.Error()}
			e.recordAttempt(persistCtx, record, stage.Name, attempt, pipelineModel.StageOutcomeFailed, "", attemptErr, startedAt, endedAt)
			if attempt < stage.MaxAttempts {
				// 退避期间的取消与超时由下一轮阶段边界检查裁决
				e.backoff(runCtx, stage.Backoff, attempt)
				continue
			}
			taskErr := &pipelineModel.TaskError{
				Kind:    pipelineModel.ErrKindStageExhausted,
				Message: "阶段 " + stage.Name + " 重试次数耗尽: " + err.Error(),
			}
			return stageVerdict{status: pipelineModel.TaskStatusFailed, taskErr: taskErr}
		}

		// 不可恢复错误与未分类错误都不再重试
		taskErr := &pipelineModel.TaskError{
			Kind:    pipelineModel.ErrKindPermanent,
			Message: "阶段 " + stage.Name + " 失败: " + err.Error(),
		}
		e.recordAttempt(persistCtx, record, stage.Name, attempt, pipelineModel.StageOutcomeFailed, "", taskErr, startedAt, endedAt)
		return stageVerdict{status: pipelineModel.TaskStatusFailed, taskErr: taskErr}
	}

	// 正常流程不会到达这里，防御性兜底
	taskErr := &pipelineModel.TaskError{
		Kind:    pipelineModel.ErrKindStageExhausted,
		Message: "阶段 " + stage.Name + " 重试次数耗尽",
	}
	if lastErr != nil {
		taskErr.Message += ": " + lastErr.Error()
	}
	return stageVerdict{status: pipelineModel.TaskStatusFailed, taskErr: taskErr}
}

// verdictFromCause 由任务上下文的取消原因裁决终态
func (e *Executor) verdictFromCause(runCtx context.Context, lastErr error) stageVerdict {
	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, errCausePipelineTimeout):
		return stageVerdict{
			status: pipelineModel.TaskStatusTimedOut,
			taskErr: &pipelineModel.TaskError{
				Kind:    pipelineModel.ErrKindTimeout,
				Message: "流水线执行超时",
			},
		}
	case errors.Is(cause, errCauseShutdown):
		return stageVerdict{
			status: pipelineModel.TaskStatusCancelled,
			taskErr: &pipelineModel.TaskError{
				Kind:    pipelineModel.ErrKindCancelled,
				Message: "服务关停，任务被取消",
			},
		}
	default:
		msg := "任务被取消"
		if lastErr != nil && !errors.Is(lastErr, context.Canceled) {
			msg += ": " + lastErr.Error()
		}
		return stageVerdict{
			status: pipelineModel.TaskStatusCancelled,
			taskErr: &pipelineModel.TaskError{
				Kind:    pipelineModel.ErrKindCancelled,
				Message: msg,
			},
		}
	}
}

// backoff 执行可中断的指数退避(base * 2^(attempt-1))
func (e *Executor) backoff(ctx context.Context, base time.Duration, attempt int) {
	if base <= 0 {
		return
	}
	delay := base * time.Duration(1<<(attempt-1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// recordAttempt 持久化一次阶段尝试并发布stage-completed事件
func (e *Executor) recordAttempt(persistCtx context.Context, record *pipelineModel.TaskRecord, stageName string, attempt int, outcome pipelineModel.StageOutcome, output string, taskErr *pipelineModel.TaskError, startedAt, endedAt time.Time) {
	result := &pipelineModel.StageResult{
		TaskID:    record.TaskID,
		StageName: stageName,
		Attempt:   attempt,
		Outcome:   outcome,
		StartedAt: &startedAt,
		EndedAt:   &endedAt,
	}
	if output != "" {
		result.Output = toJSONPayload(output)
	}
	if taskErr != nil {
		result.ErrorKind = string(taskErr.Kind)
		result.ErrorMsg = taskErr.Message
	}
	if err := e.store.AppendStageResult(persistCtx, record.TaskID, result); err != nil {
		logger.LogError(err, record.TraceID, record.TaskID, record.ClientIP, "", "",
			map[string]interface{}{"operation": "append_stage_result", "stage": stageName, "attempt": attempt})
	}

	metrics.Default.IncCounter("stage_attempts_total", map[string]string{
		"stage":   stageName,
		"outcome": string(outcome),
	}, 1)
	e.broker.Publish(record.TaskID, pipelineModel.EventKindStageCompleted, pipelineModel.StageCompletedPayload{
		Stage:   stageName,
		Attempt: attempt,
		Outcome: outcome,
		Error:   taskErr,
	})
}

// finish 写入任务终态并发布终态事件
// 终态写入失败时降级为失败终态补记一次(持久化错误)
func (e *Executor) finish(persistCtx context.Context, record *pipelineModel.TaskRecord, status pipelineModel.TaskStatus, taskErr *pipelineModel.TaskError, result string) {
	if err := e.store.Transition(persistCtx, record.TaskID, status, taskErr, result); err != nil {
		logger.LogError(err, record.TraceID, record.TaskID, record.ClientIP, "", "",
			map[string]interface{}{"operation": "task_finish", "status": string(status)})
		persistErr := &pipelineModel.TaskError{
			Kind:    pipelineModel.ErrKindPersistence,
			Message: "任务终态写入失败: " + err.Error(),
		}
		if status != pipelineModel.TaskStatusFailed {
			if err2 := e.store.Transition(persistCtx, record.TaskID, pipelineModel.TaskStatusFailed, persistErr, ""); err2 != nil {
				logger.LogError(err2, record.TraceID, record.TaskID, record.ClientIP, "", "",
					map[string]interface{}{"operation": "task_finish_fallback"})
			}
		}
		status = pipelineModel.TaskStatusFailed
		taskErr = persistErr
		result = ""
	}

	payload := pipelineModel.TaskTerminalPayload{Status: status, Error: taskErr}
	if result != "" {
		payload.Result = json.RawMessage(result)
	}
	e.broker.Publish(record.TaskID, terminalEventKind(status), payload)

	metrics.Default.IncCounter("tasks_finished_total", map[string]string{"status": string(status)}, 1)
	logResult := "success"
	message := "任务执行完成"
	if status != pipelineModel.TaskStatusCompleted {
		logResult = "failed"
		message = "任务以 " + string(status) + " 终止"
		if taskErr != nil {
			message += ": " + taskErr.Message
		}
	}
	logger.LogBusinessOperation("task_finish", record.TaskID, record.TraceID, record.Principal,
		record.ClientIP, logResult, message, map[string]interface{}{"status": string(status)})
}

// terminalEventKind 终态到事件类型的映射
// 超时与取消共用task-cancelled事件，准确状态在载荷中
func terminalEventKind(status pipelineModel.TaskStatus) pipelineModel.EventKind {
	switch status {
	case pipelineModel.TaskStatusCompleted:
		return pipelineModel.EventKindTaskCompleted
	case pipelineModel.TaskStatusFailed:
		return pipelineModel.EventKindTaskFailed
	default:
		return pipelineModel.EventKindTaskCancelled
	}
}

// outcomeForStatus 终态对应的阶段尝试结果
func outcomeForStatus(status pipelineModel.TaskStatus) pipelineModel.StageOutcome {
	switch status {
	case pipelineModel.TaskStatusTimedOut:
		return pipelineModel.StageOutcomeTimedOut
	case pipelineModel.TaskStatusCancelled:
		return pipelineModel.StageOutcomeCancelled
	default:
		return pipelineModel.StageOutcomeFailed
	}
}

// toJSONPayload 将阶段产出规整为合法JSON
// 产出本身是合法JSON时原样保留，否则包装为 {"content": ...}
func toJSONPayload(s string) string {
	if s == "" {
		return ""
	}
	if json.Valid([]byte(s)) {
		return s
	}
	data, err := json.Marshal(map[string]string{"content": s})
	if err != nil {
		return ""
	}
	return string(data)
}
