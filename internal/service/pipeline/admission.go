/**
 * 服务层:准入控制器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 任务提交的准入判定，全局并发槽位+按调用方/按IP固定窗口限流
 * @func: AdmissionController、Ticket、fixedWindow
 */
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/pkg/metrics"
)

// 限制范围标识
const (
	scopePrincipal = "principal"
	scopeIP        = "ip"
	scopeGlobal    = "global"
)

// Ticket 执行槽位凭据
// 任务终止时必须释放，重复释放为幂等空操作
type Ticket struct {
	Principal  string
	ClientIP   string
	AcquiredAt time.Time

	controller *AdmissionController
	released   atomic.Bool
}

// Release 释放槽位，可安全地多次调用
func (t *Ticket) Release() {
	if t == nil || t.controller == nil {
		return
	}
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	<-t.controller.slots
	t.controller.inflight.Add(-1)
	metrics.Default.AddGauge("admission_inflight", nil, -1)
}

// windowEntry 单个key的固定窗口计数(窗口起点+窗口内计数)
type windowEntry struct {
	start time.Time
	count int
}

// fixedWindow 固定窗口计数器
// 每个key的窗口从其窗口内首次准入对齐，窗口结束后计数作废
// 非并发安全，由持有方加锁
type fixedWindow struct {
	limit   int
	window  time.Duration
	entries map[string]*windowEntry
}

func newFixedWindow(limit int, window time.Duration) *fixedWindow {
	return &fixedWindow{
		limit:   limit,
		window:  window,
		entries: make(map[string]*windowEntry),
	}
}

// active 返回key当前有效的窗口计数，窗口已过期时返回nil
func (w *fixedWindow) active(key string, now time.Time) *windowEntry {
	e, ok := w.entries[key]
	if !ok {
		return nil
	}
	if now.Sub(e.start) >= w.window {
		return nil
	}
	return e
}

// exceeded 判断key在当前窗口是否已达上限，不消耗配额
// limit<=0 表示该维度不限制
func (w *fixedWindow) exceeded(key string, now time.Time) bool {
	if w.limit <= 0 {
		return false
	}
	e := w.active(key, now)
	return e != nil && e.count >= w.limit
}

// consume 消耗一次配额，窗口过期或不存在时开启新窗口
func (w *fixedWindow) consume(key string, now time.Time) {
	if w.limit <= 0 {
		return
	}
	if e := w.active(key, now); e != nil {
		e.count++
		return
	}
	w.entries[key] = &windowEntry{start: now, count: 1}
}

// retryAfter 距key当前窗口结束的剩余时间
func (w *fixedWindow) retryAfter(key string, now time.Time) time.Duration {
	e := w.active(key, now)
	if e == nil {
		return 0
	}
	d := e.start.Add(w.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// sweep 清理已过期的窗口计数
func (w *fixedWindow) sweep(now time.Time) {
	for key, e := range w.entries {
		if now.Sub(e.start) >= w.window {
			delete(w.entries, key)
		}
	}
}

// AdmissionController 任务准入控制器
// 判定顺序:速率预检(不消耗配额) -> 等待全局并发槽位 -> 锁内复检并消耗配额
// 速率限制与槽位不足同时发生时以速率限制为准，预检保证超限请求不进入槽位等待
// 锁内只做计数操作，不做任何IO
type AdmissionController struct {
	cfg      *config.AdmissionConfig
	slots    chan struct{}
	inflight atomic.Int64

	mu          sync.Mutex
	byPrincipal *fixedWindow
	byIP        *fixedWindow

	stopJanitor chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once

	now func() time.Time // 测试注入时钟
}

// NewAdmissionController 创建准入控制器并启动过期窗口清理
func NewAdmissionController(cfg *config.AdmissionConfig) *AdmissionController {
	maxConcurrent := cfg.GlobalMaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	c := &AdmissionController{
		cfg:         cfg,
		slots:       make(chan struct{}, maxConcurrent),
		byPrincipal: newFixedWindow(cfg.PerPrincipalPerWindow, cfg.Window),
		byIP:        newFixedWindow(cfg.PerIPPerWindow, cfg.Window),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
		now:         time.Now,
	}
	go c.janitor()
	return c
}

// TryAdmit 执行准入判定
// principal 为调用方身份标识，clientIP 为归一化后的客户端IP
// 拒绝时返回 *AdmissionError，提交方上下文在等待期间取消时返回上下文错误
func (c *AdmissionController) TryAdmit(ctx context.Context, principal, clientIP string) (*Ticket, error) {
	now := c.now()

	// 速率预检，已超限的请求不进入槽位等待队列
	c.mu.Lock()
	if c.byPrincipal.exceeded(principal, now) {
		retry := c.byPrincipal.retryAfter(principal, now)
		c.mu.Unlock()
		c.rejected(pipelineModel.ErrKindRateLimited, scopePrincipal)
		return nil, pipelineModel.NewRateLimitedError(scopePrincipal, retry)
	}
	if c.byIP.exceeded(clientIP, now) {
		retry := c.byIP.retryAfter(clientIP, now)
		c.mu.Unlock()
		c.rejected(pipelineModel.ErrKindRateLimited, scopeIP)
		return nil, pipelineModel.NewRateLimitedError(scopeIP, retry)
	}
	c.mu.Unlock()

	// 等待全局并发槽位，最长等待queueTimeout
	var acquired bool
	select {
	case c.slots <- struct{}{}:
		acquired = true
	default:
	}
	if !acquired {
		queueTimeout := c.cfg.QueueTimeout
		if queueTimeout <= 0 {
			c.rejected(pipelineModel.ErrKindAdmissionTimeout, scopeGlobal)
			return nil, pipelineModel.NewAdmissionTimeoutError(0)
		}
		timer := time.NewTimer(queueTimeout)
		defer timer.Stop()
		select {
		case c.slots <- struct{}{}:
		case <-timer.C:
			c.rejected(pipelineModel.ErrKindAdmissionTimeout, scopeGlobal)
			return nil, pipelineModel.NewAdmissionTimeoutError(queueTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// 槽位到手后复检并消耗配额，等待期间窗口可能已被其他请求占满
	// 复检失败先归还槽位再拒绝
	now = c.now()
	c.mu.Lock()
	if c.byPrincipal.exceeded(principal, now) {
		retry := c.byPrincipal.retryAfter(principal, now)
		c.mu.Unlock()
		<-c.slots
		c.rejected(pipelineModel.ErrKindRateLimited, scopePrincipal)
		return nil, pipelineModel.NewRateLimitedError(scopePrincipal, retry)
	}
	if c.byIP.exceeded(clientIP, now) {
		retry := c.byIP.retryAfter(clientIP, now)
		c.mu.Unlock()
		<-c.slots
		c.rejected(pipelineModel.ErrKindRateLimited, scopeIP)
		return nil, pipelineModel.NewRateLimitedError(scopeIP, retry)
	}
	c.byPrincipal.consume(principal, now)
	c.byIP.consume(clientIP, now)
	c.mu.Unlock()

	c.inflight.Add(1)
	metrics.Default.AddGauge("admission_inflight", nil, 1)
	metrics.Default.IncCounter("admission_admitted_total", nil, 1)
	return &Ticket{
		Principal:  principal,
		ClientIP:   clientIP,
		AcquiredAt: now,
		controller: c,
	}, nil
}

// InFlight 当前持有槽位的任务数
func (c *AdmissionController) InFlight() int {
	return int(c.inflight.Load())
}

// Close 停止过期窗口清理goroutine
func (c *AdmissionController) Close() {
	c.closeOnce.Do(func() {
		close(c.stopJanitor)
		<-c.janitorDone
	})
}

// janitor 周期清理过期窗口计数，防止key集合无界增长
func (c *AdmissionController) janitor() {
	defer close(c.janitorDone)
	interval := c.cfg.Window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			c.byPrincipal.sweep(now)
			c.byIP.sweep(now)
			c.mu.Unlock()
		case <-c.stopJanitor:
			return
		}
	}
}

// rejected 记录拒绝指标
func (c *AdmissionController) rejected(kind pipelineModel.ErrorKind, scope string) {
	metrics.Default.IncCounter("admission_rejected_total", map[string]string{
		"reason": string(kind),
		"scope":  scope,
	}, 1)
}
