/**
 * 服务层:流水线阶段注册表
 * @author: sun977
 * @date: 2025.12.19
 * @description: 阶段类型注册与流水线编译，配置中的阶段定义在装载时解析为不透明可调用
 * @func: Registry、CompiledStage、StageFunc、Compile
 */
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/service/llm"
)

// 内置阶段类型
const (
	KindLLM      = "llm"      // 大模型调用阶段
	KindAssemble = "assemble" // 结果汇编阶段
)

// Input 阶段执行入参
// Outputs 为先前各阶段的产出(按阶段名索引)，执行器按阶段顺序填充
type Input struct {
	TaskID  string
	TraceID string
	Request *pipelineModel.SubmitNoteRequest
	Outputs map[string]string
	Emit    func(content string) // 增量产出回调，可为nil
}

// StageFunc 单次阶段尝试的执行函数
// 返回该阶段的文本产出；错误按可重试性分类(StageError)或透传上下文错误
type StageFunc func(ctx context.Context, in *Input) (string, error)

// CompiledStage 编译后的流水线阶段
// 执行器只依赖此结构，不感知阶段内部语义
type CompiledStage struct {
	Name        string
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	Run         StageFunc
}

// Builder 阶段构造器，由阶段定义生成执行函数
type Builder func(def *config.StageDefinition) (StageFunc, error)

// Registry 阶段类型注册表
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry 创建注册表并注册内置阶段类型
func NewRegistry(client llm.Client) *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register(KindLLM, newLLMBuilder(client))
	r.Register(KindAssemble, buildAssembleStage)
	return r
}

// Register 注册阶段类型，同名覆盖
func (r *Registry) Register(kind string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Compile 将流水线定义编译为阶段序列
// 未注册的阶段类型与构造失败都在此集中暴露，运行期不再出现定义类错误
func (r *Registry) Compile(def *config.PipelineDefinition) ([]CompiledStage, error) {
	compiled := make([]CompiledStage, 0, len(def.Stages))
	for i := range def.Stages {
		stageDef := def.Stages[i]

		r.mu.RLock()
		builder, ok := r.builders[stageDef.Kind]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("流水线 %s 阶段 %s: 未知的阶段类型 %q", def.Name, stageDef.Name, stageDef.Kind)
		}

		run, err := builder(&stageDef)
		if err != nil {
			return nil, fmt.Errorf("流水线 %s 阶段 %s: %w", def.Name, stageDef.Name, err)
		}

		maxAttempts := stageDef.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		compiled = append(compiled, CompiledStage{
			Name:        stageDef.Name,
			MaxAttempts: maxAttempts,
			Backoff:     stageDef.Backoff(),
			Timeout:     stageDef.Timeout(),
			Run:         run,
		})
	}
	return compiled, nil
}

// renderTemplate 渲染提示词模板
// 支持的占位符: {{product_desc}} {{title_hint}} {{style}} {{image_count}}
// {{images}} (图片清单JSON) 与 {{output:阶段名}} (先前阶段产出)
func renderTemplate(tmpl string, in *Input) string {
	req := in.Request
	if req == nil {
		req = &pipelineModel.SubmitNoteRequest{}
	}

	imagesJSON := "[]"
	if len(req.Images) > 0 {
		if data, err := json.Marshal(req.Images); err == nil {
			imagesJSON = string(data)
		}
	}

	replacer := strings.NewReplacer(
		"{{product_desc}}", req.ProductDesc,
		"{{title_hint}}", req.TitleHint,
		"{{style}}", req.Style,
		"{{image_count}}", fmt.Sprintf("%d", len(req.Images)),
		"{{images}}", imagesJSON,
	)
	rendered := replacer.Replace(tmpl)

	for name, output := range in.Outputs {
		rendered = strings.ReplaceAll(rendered, "{{output:"+name+"}}", output)
	}
	return rendered
}

// sortedOutputNames 返回按名称排序的产出阶段列表
func sortedOutputNames(outputs map[string]string) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
