/**
 * 服务层:事件流分发器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 任务进度事件的内存广播，单任务单调序号，有界队列，溢出断开订阅者
 * @func: Broker、Subscription、taskStream
 */
package pipeline

import (
	"encoding/json"
	"sync"
	"time"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/metrics"
)

// 终态流在分发器中的保留时长，到期后整条流被移除
const terminalStreamRetention = 5 * time.Minute

// Subscription 单个订阅者持有的事件流订阅
// C 在终态事件送达、队列溢出断开或主动退订后关闭
type Subscription struct {
	C <-chan *pipelineModel.Event

	events    chan *pipelineModel.Event
	err       error
	errMu     sync.Mutex
	closeOnce sync.Once
	closeFn   func()
}

// Err 返回订阅被分发器断开的原因
// 队列溢出断开时为 ErrSubscriberOverflow，正常结束为 nil
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Close 退订，幂等
func (s *Subscription) Close() {
	s.closeOnce.Do(s.closeFn)
}

// streamSubscriber 分发器侧的订阅者记录
type streamSubscriber struct {
	id   uint64
	sub  *Subscription
	gone bool // 已断开(溢出/终态/退订)，防止通道二次关闭
}

// taskStream 单任务事件流
// 序号由该任务唯一的执行器goroutine经Publish分配，任务内单调递增无空洞
type taskStream struct {
	mu          sync.Mutex
	taskID      string
	traceID     string
	nextSeq     uint64
	backlog     []*pipelineModel.Event
	subscribers map[uint64]*streamSubscriber
	nextSubID   uint64
	terminal    bool
}

// Broker 事件流分发器
// 发布方永不阻塞:订阅队列满时断开该订阅者而不是等待
type Broker struct {
	mu           sync.RWMutex
	tasks        map[string]*taskStream
	closed       bool
	queueDepth   int
	backlogDepth int
	maxConns     int
}

// NewBroker 创建事件流分发器
func NewBroker(cfg *config.StreamConfig) *Broker {
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 256
	}
	backlogDepth := cfg.BacklogDepth
	if backlogDepth < 0 {
		backlogDepth = 0
	}
	// 回放缓冲必须能一次性装入订阅队列
	if backlogDepth > queueDepth {
		backlogDepth = queueDepth
	}
	return &Broker{
		tasks:        make(map[string]*taskStream),
		queueDepth:   queueDepth,
		backlogDepth: backlogDepth,
		maxConns:     cfg.MaxConnections,
	}
}

// Register 注册任务事件流，任务受理后、执行器启动前调用
func (b *Broker) Register(taskID, traceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.tasks[taskID]; ok {
		return
	}
	b.tasks[taskID] = &taskStream{
		taskID:      taskID,
		traceID:     traceID,
		subscribers: make(map[uint64]*streamSubscriber),
	}
}

// Publish 发布任务事件
// payload 会被序列化为JSON载荷，序号在本方法内分配
// 未注册的任务与序列化失败都按丢弃处理，发布方不因此失败也不阻塞
func (b *Broker) Publish(taskID string, kind pipelineModel.EventKind, payload interface{}) {
	b.mu.RLock()
	stream, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		logger.WithFields(map[string]interface{}{
			"task_id": taskID,
			"kind":    string(kind),
		}).Warn("事件发布到未注册的任务流，已丢弃")
		return
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"task_id": taskID,
				"kind":    string(kind),
				"error":   err.Error(),
			}).Error("事件载荷序列化失败，已丢弃")
			return
		}
		raw = data
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.terminal {
		return
	}

	stream.nextSeq++
	event := &pipelineModel.Event{
		TaskID:    taskID,
		TraceID:   stream.traceID,
		Seq:       stream.nextSeq,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now(),
	}

	// 回放缓冲保留最近事件，仅用于平滑任务起步时的订阅竞态
	if b.backlogDepth > 0 {
		stream.backlog = append(stream.backlog, event)
		if len(stream.backlog) > b.backlogDepth {
			stream.backlog = stream.backlog[1:]
		}
	}

	for id, s := range stream.subscribers {
		select {
		case s.sub.events <- event:
		default:
			// 队列溢出，断开该订阅者，发布方与其他订阅者不受影响
			s.gone = true
			s.sub.setErr(pipelineModel.ErrSubscriberOverflow)
			close(s.sub.events)
			delete(stream.subscribers, id)
			metrics.Default.IncCounter("stream_subscriber_overflow_total", nil, 1)
			metrics.Default.AddGauge("stream_subscribers", nil, -1)
		}
	}
	metrics.Default.IncCounter("stream_events_published_total",
		map[string]string{"kind": string(kind)}, 1)

	// 终态事件送达后结束全部订阅并清空回放缓冲
	if kind.IsTerminal() {
		stream.terminal = true
		stream.backlog = nil
		for id, s := range stream.subscribers {
			s.gone = true
			close(s.sub.events)
			delete(stream.subscribers, id)
			metrics.Default.AddGauge("stream_subscribers", nil, -1)
		}
		time.AfterFunc(terminalStreamRetention, func() {
			b.Forget(taskID)
		})
	}
}

// Subscribe 订阅任务事件流
// 先回放缓冲中的最近事件再接收实时事件；任务已终态时返回立即关闭的通道
func (b *Broker) Subscribe(taskID string) (*Subscription, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, pipelineModel.ErrStreamClosed
	}
	stream, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return nil, pipelineModel.ErrTaskNotFound
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if b.maxConns > 0 && len(stream.subscribers) >= b.maxConns {
		return nil, pipelineModel.ErrTooManySubscribers
	}

	events := make(chan *pipelineModel.Event, b.queueDepth)
	sub := &Subscription{C: events, events: events}

	// 回放缓冲深度不超过队列容量，新通道一定装得下
	for _, event := range stream.backlog {
		events <- event
	}

	if stream.terminal {
		close(events)
		sub.closeFn = func() {}
		return sub, nil
	}

	stream.nextSubID++
	id := stream.nextSubID
	record := &streamSubscriber{id: id, sub: sub}
	stream.subscribers[id] = record
	metrics.Default.AddGauge("stream_subscribers", nil, 1)

	sub.closeFn = func() {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		if record.gone {
			return
		}
		record.gone = true
		close(events)
		delete(stream.subscribers, id)
		metrics.Default.AddGauge("stream_subscribers", nil, -1)
	}
	return sub, nil
}

// HasSubscribers 判断任务当前是否有在线订阅者
func (b *Broker) HasSubscribers(taskID string) bool {
	b.mu.RLock()
	stream, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subscribers) > 0
}

// Forget 移除任务事件流，幂等
// 仍在线的订阅者会被断开
func (b *Broker) Forget(taskID string) {
	b.mu.Lock()
	stream, ok := b.tasks[taskID]
	if ok {
		delete(b.tasks, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	for id, s := range stream.subscribers {
		s.gone = true
		close(s.sub.events)
		delete(stream.subscribers, id)
		metrics.Default.AddGauge("stream_subscribers", nil, -1)
	}
}

// Close 关闭分发器，断开全部订阅者
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*taskStream, 0, len(b.tasks))
	for _, stream := range b.tasks {
		streams = append(streams, stream)
	}
	b.tasks = make(map[string]*taskStream)
	b.mu.Unlock()

	for _, stream := range streams {
		stream.mu.Lock()
		for id, s := range stream.subscribers {
			s.gone = true
			close(s.sub.events)
			delete(stream.subscribers, id)
			metrics.Default.AddGauge("stream_subscribers", nil, -1)
		}
		stream.mu.Unlock()
	}
}
