/**
 * 服务层:任务编排器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 任务生命周期门面:提交(校验+准入+落库+启动执行)、取消、状态查询、孤儿回收、关停
 * @func: Orchestrator接口、NewOrchestrator、Submit、Cancel、Status、Reconcile、Close
 */
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/metrics"
	"notemaster/internal/pkg/utils"
	"notemaster/internal/service/pipeline/stages"
)

// SubmitRequest 任务提交请求(服务层入参)
type SubmitRequest struct {
	Principal string                           // 调用方身份标识
	ClientIP  string                           // 归一化后的客户端IP
	TraceID   string                           // 透传的链路ID，为空时生成
	Payload   *pipelineModel.SubmitNoteRequest // 笔记生成请求体
}

// SubmitResult 任务受理结果
type SubmitResult struct {
	TaskID  string
	TraceID string
	Status  pipelineModel.TaskStatus
}

// Orchestrator 任务编排器接口
type Orchestrator interface {
	// Submit 提交任务:校验 -> 准入 -> 创建记录 -> 启动执行器goroutine
	// 拒绝以类型化错误同步返回(校验/限流/槽位超时)，受理后立即返回pending
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)

	// Status 查询任务状态快照，终态快照走缓存
	Status(ctx context.Context, taskID string) (*pipelineModel.TaskSnapshot, error)

	// Cancel 请求取消任务
	// 任务不存在返回 ErrTaskNotFound，已终态返回 ErrTaskTerminal
	// 取消为协作式，生效延迟以当前阶段耗时为上界
	Cancel(ctx context.Context, taskID string) error

	// Reconcile 回收孤儿任务:超过宽限期仍非终态且无存活执行器的记录标记为失败
	// 返回回收数量，启动时在接收流量前调用
	Reconcile(ctx context.Context) (int, error)

	// Broker 暴露事件流分发器供传输层订阅
	Broker() *Broker

	// Close 关停:取消全部在跑任务并在ctx限期内等待退出
	Close(ctx context.Context) error
}

// orchestrator 编排器实现
type orchestrator struct {
	cfg       *config.Config
	store     TaskStore
	cache     StatusCache
	admission *AdmissionController
	broker    *Broker
	executor  *Executor
	compiled  map[string][]stages.CompiledStage

	running sync.Map // taskID -> context.CancelCauseFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewOrchestrator 创建任务编排器
// 全部流水线定义在此编译，定义错误在装配期暴露
func NewOrchestrator(cfg *config.Config, defs *config.PipelineDefinitions, registry *stages.Registry, store TaskStore, cache StatusCache) (Orchestrator, error) {
	compiled := make(map[string][]stages.CompiledStage, len(defs.Pipelines))
	for i := range defs.Pipelines {
		def := &defs.Pipelines[i]
		cs, err := registry.Compile(def)
		if err != nil {
			return nil, fmt.Errorf("编译流水线失败: %w", err)
		}
		compiled[def.Name] = cs
	}
	if _, ok := compiled[cfg.Pipeline.Default]; !ok {
		return nil, fmt.Errorf("%w: 默认流水线 %s 未定义", pipelineModel.ErrPipelineNotFound, cfg.Pipeline.Default)
	}

	broker := NewBroker(&cfg.Stream)
	o := &orchestrator{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		admission: NewAdmissionController(&cfg.Admission),
		broker:    broker,
		executor:  NewExecutor(store, broker, cfg.Pipeline.Timeout),
		compiled:  compiled,
	}
	return o, nil
}

// Submit 提交任务
func (o *orchestrator) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if o.closed.Load() {
		return nil, pipelineModel.ErrServiceClosed
	}
	if req == nil || req.Payload == nil {
		return nil, fmt.Errorf("%w: 请求体为空", pipelineModel.ErrInvalidRequest)
	}

	// 校验在准入之前，校验失败不消耗任何配额
	if err := req.Payload.Validate(o.cfg.Pipeline.MaxImages); err != nil {
		return nil, fmt.Errorf("%w: %v", pipelineModel.ErrInvalidRequest, err)
	}
	pipelineName := req.Payload.Pipeline
	if pipelineName == "" {
		pipelineName = o.cfg.Pipeline.Default
	}
	compiled, ok := o.compiled[pipelineName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipelineModel.ErrPipelineNotFound, pipelineName)
	}

	ticket, err := o.admission.TryAdmit(ctx, req.Principal, req.ClientIP)
	if err != nil {
		return nil, err
	}

	taskID := utils.NewTaskID()
	traceID := req.TraceID
	if traceID == "" {
		traceID = utils.NewTraceID()
	}

	inputJSON, err := json.Marshal(req.Payload)
	if err != nil {
		ticket.Release()
		return nil, fmt.Errorf("%w: %v", pipelineModel.ErrInvalidRequest, err)
	}
	record := &pipelineModel.TaskRecord{
		TaskID:       taskID,
		TraceID:      traceID,
		Principal:    req.Principal,
		ClientIP:     req.ClientIP,
		PipelineName: pipelineName,
		Status:       pipelineModel.TaskStatusPending,
		InputPayload: string(inputJSON),
	}
	if err := o.store.Create(ctx, record); err != nil {
		ticket.Release()
		return nil, fmt.Errorf("创建任务记录失败: %w", err)
	}

	o.broker.Register(taskID, traceID)
	taskCtx, cancel := context.WithCancelCause(context.Background())
	o.running.Store(taskID, cancel)
	o.wg.Add(1)
	go o.run(taskCtx, cancel, ticket, record, compiled, req.Payload)

	metrics.Default.IncCounter("tasks_submitted_total", map[string]string{"pipeline": pipelineName}, 1)
	logger.LogBusinessOperation("task_submit", taskID, traceID, req.Principal, req.ClientIP,
		"success", "任务已受理", map[string]interface{}{"pipeline": pipelineName})
	return &SubmitResult{TaskID: taskID, TraceID: traceID, Status: pipelineModel.TaskStatusPending}, nil
}

// run 任务执行goroutine
// 准入槽位在本goroutine的每条退出路径上恰好释放一次，panic也不例外
func (o *orchestrator) run(taskCtx context.Context, cancel context.CancelCauseFunc, ticket *Ticket, record *pipelineModel.TaskRecord, compiled []stages.CompiledStage, payload *pipelineModel.SubmitNoteRequest) {
	defer o.wg.Done()
	defer ticket.Release()
	defer o.running.Delete(record.TaskID)
	defer cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("任务执行panic: %v", r)
			logger.LogError(err, record.TraceID, record.TaskID, record.ClientIP, "", "",
				map[string]interface{}{"operation": "task_run"})
			o.executor.finish(context.WithoutCancel(taskCtx), record, pipelineModel.TaskStatusFailed,
				&pipelineModel.TaskError{Kind: pipelineModel.ErrKindPermanent, Message: err.Error()}, "")
		}
	}()

	o.executor.Execute(taskCtx, record, compiled, payload)
}

// Status 查询任务状态快照
func (o *orchestrator) Status(ctx context.Context, taskID string) (*pipelineModel.TaskSnapshot, error) {
	if o.cache != nil {
		snapshot, err := o.cache.GetSnapshot(ctx, taskID)
		if err != nil {
			logger.WithFields(map[string]interface{}{"task_id": taskID, "error": err.Error()}).
				Debug("快照缓存读取失败，回源存储")
		} else if snapshot != nil {
			return snapshot, nil
		}
	}

	record, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	stageResults, err := o.store.ListStageResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snapshot := pipelineModel.NewTaskSnapshot(record, stageResults)

	// 仅缓存终态快照，内容不可变
	if o.cache != nil && record.Status.IsTerminal() {
		if err := o.cache.SetSnapshot(ctx, snapshot); err != nil {
			logger.WithFields(map[string]interface{}{"task_id": taskID, "error": err.Error()}).
				Debug("快照缓存写入失败")
		}
	}
	return snapshot, nil
}

// Cancel 请求取消任务
func (o *orchestrator) Cancel(ctx context.Context, taskID string) error {
	if v, ok := o.running.Load(taskID); ok {
		v.(context.CancelCauseFunc)(errCauseCancelled)
		logger.LogBusinessOperation("task_cancel", taskID, "", "", "",
			"success", "已发出取消信号", nil)
		return nil
	}

	record, err := o.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return pipelineModel.ErrTaskTerminal
	}

	// 无存活执行器的非终态记录是上个进程的遗留，按孤儿回收
	taskErr := &pipelineModel.TaskError{
		Kind:    pipelineModel.ErrKindOrphaned,
		Message: "取消时发现无执行器的遗留任务",
	}
	if err := o.store.Transition(ctx, taskID, pipelineModel.TaskStatusFailed, taskErr, ""); err != nil {
		return err
	}
	logger.LogBusinessOperation("task_cancel", taskID, record.TraceID, record.Principal, record.ClientIP,
		"success", "遗留任务已标记失败", nil)
	return nil
}

// Reconcile 回收孤儿任务
func (o *orchestrator) Reconcile(ctx context.Context) (int, error) {
	grace := o.cfg.Pipeline.OrphanGrace
	olderThan := time.Now().Add(-grace)
	records, err := o.store.ListUnfinished(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("查询未完成任务失败: %w", err)
	}

	count := 0
	for i := range records {
		record := &records[i]
		if _, live := o.running.Load(record.TaskID); live {
			continue
		}
		taskErr := &pipelineModel.TaskError{
			Kind:    pipelineModel.ErrKindOrphaned,
			Message: "进程重启后回收的孤儿任务",
		}
		if err := o.store.Transition(ctx, record.TaskID, pipelineModel.TaskStatusFailed, taskErr, ""); err != nil {
			logger.LogError(err, record.TraceID, record.TaskID, record.ClientIP, "", "",
				map[string]interface{}{"operation": "reconcile"})
			continue
		}
		count++
	}

	if count > 0 {
		metrics.Default.IncCounter("tasks_reconciled_total", nil, float64(count))
		logger.LogSystemEvent("orchestrator", "reconcile",
			fmt.Sprintf("回收孤儿任务 %d 个", count), logrus.InfoLevel, nil)
	}
	return count, nil
}

// Broker 暴露事件流分发器
func (o *orchestrator) Broker() *Broker {
	return o.broker
}

// Close 关停编排器
func (o *orchestrator) Close(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}

	o.running.Range(func(_, v interface{}) bool {
		v.(context.CancelCauseFunc)(errCauseShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	o.admission.Close()
	o.broker.Close()
	logger.LogSystemEvent("orchestrator", "close", "编排器已关停", logrus.InfoLevel, nil)
	return waitErr
}
