package stages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/service/llm"
)

// fakeLLMClient 记录每次调用的消息并返回预置结果
type fakeLLMClient struct {
	response string
	err      error
	calls    [][]llm.Message
}

func (f *fakeLLMClient) ChatCompletion(ctx context.Context, messages []llm.Message) (string, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testInput() *Input {
	return &Input{
		TaskID:  "task-1",
		TraceID: "trace-1",
		Request: &pipelineModel.SubmitNoteRequest{
			TitleHint:   "春日穿搭",
			ProductDesc: "碎花连衣裙",
			Style:       "活泼",
			Images: []pipelineModel.NoteImage{
				{Name: "front", URL: "https://img.example.com/front.jpg"},
				{Name: "back", URL: "https://img.example.com/back.jpg"},
			},
		},
		Outputs: map[string]string{"draft": "草稿正文"},
	}
}

func TestRenderTemplate(t *testing.T) {
	in := testInput()
	tmpl := "产品:{{product_desc}};标题:{{title_hint}};风格:{{style}};图数:{{image_count}};清单:{{images}};前文:{{output:draft}};保留:{{unknown}}"
	got := renderTemplate(tmpl, in)

	assert.Contains(t, got, "产品:碎花连衣裙")
	assert.Contains(t, got, "标题:春日穿搭")
	assert.Contains(t, got, "风格:活泼")
	assert.Contains(t, got, "图数:2")
	assert.Contains(t, got, `"url":"https://img.example.com/front.jpg"`)
	assert.Contains(t, got, "前文:草稿正文")
	// 未知占位符原样保留
	assert.Contains(t, got, "{{unknown}}")
}

func TestRenderTemplateEmptyRequest(t *testing.T) {
	in := &Input{Outputs: map[string]string{}}
	got := renderTemplate("{{product_desc}}|{{image_count}}|{{images}}", in)
	assert.Equal(t, "|0|[]", got)
}

func TestCompileUnknownKind(t *testing.T) {
	registry := NewRegistry(&fakeLLMClient{})
	def := &config.PipelineDefinition{
		Name:   "note",
		Stages: []config.StageDefinition{{Name: "gen", Kind: "nope"}},
	}
	_, err := registry.Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未知的阶段类型")
}

func TestCompileAppliesDefaults(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register("stub", func(def *config.StageDefinition) (StageFunc, error) {
		return func(ctx context.Context, in *Input) (string, error) { return "", nil }, nil
	})
	def := &config.PipelineDefinition{
		Name: "note",
		Stages: []config.StageDefinition{
			{Name: "first", Kind: "stub"},
			{Name: "second", Kind: "stub", MaxAttempts: 3, BackoffBaseMs: 50, TimeoutMs: 2000},
		},
	}
	compiled, err := registry.Compile(def)
	require.NoError(t, err)
	require.Len(t, compiled, 2)

	// 未配置的尝试次数缺省为1
	assert.Equal(t, "first", compiled[0].Name)
	assert.Equal(t, 1, compiled[0].MaxAttempts)
	assert.Zero(t, compiled[0].Backoff)
	assert.Zero(t, compiled[0].Timeout)

	assert.Equal(t, 3, compiled[1].MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, compiled[1].Backoff)
	assert.Equal(t, 2*time.Second, compiled[1].Timeout)
}

func TestLLMStageBuildsMessages(t *testing.T) {
	client := &fakeLLMClient{response: "生成的正文"}
	builder := newLLMBuilder(client)
	run, err := builder(&config.StageDefinition{
		Name: "gen",
		Kind: KindLLM,
		Params: map[string]string{
			"system":        "你是{{style}}风格的写手",
			"prompt":        "基于 {{output:draft}} 为 {{product_desc}} 写笔记",
			"attach_images": "true",
		},
	})
	require.NoError(t, err)

	in := testInput()
	var emitted []string
	in.Emit = func(content string) { emitted = append(emitted, content) }

	out, err := run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "生成的正文", out)
	assert.Equal(t, []string{"生成的正文"}, emitted)

	require.Len(t, client.calls, 1)
	messages := client.calls[0]
	require.Len(t, messages, 2)

	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "你是活泼风格的写手", messages[0].Content)

	// 带图提交渲染为多模态消息:文本片段在前，图片片段按提交顺序在后
	assert.Equal(t, "user", messages[1].Role)
	parts, ok := messages[1].Content.([]llm.ContentPart)
	require.True(t, ok)
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "基于 草稿正文 为 碎花连衣裙 写笔记", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "https://img.example.com/front.jpg", parts[1].ImageURL.URL)
	assert.Equal(t, "https://img.example.com/back.jpg", parts[2].ImageURL.URL)
}

func TestLLMStageTextOnlyWithoutAttach(t *testing.T) {
	client := &fakeLLMClient{response: "ok"}
	run, err := newLLMBuilder(client)(&config.StageDefinition{
		Name:   "gen",
		Kind:   KindLLM,
		Params: map[string]string{"prompt": "写一段 {{product_desc}} 的文案"},
	})
	require.NoError(t, err)

	_, err = run(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	messages := client.calls[0]
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "写一段 碎花连衣裙 的文案", messages[0].Content)
}

func TestLLMStageRequiresPrompt(t *testing.T) {
	_, err := newLLMBuilder(&fakeLLMClient{})(&config.StageDefinition{
		Name:   "gen",
		Kind:   KindLLM,
		Params: map[string]string{"prompt": "  "},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "缺少prompt参数")
}

func TestLLMStageNilClient(t *testing.T) {
	_, err := newLLMBuilder(nil)(&config.StageDefinition{
		Name:   "gen",
		Kind:   KindLLM,
		Params: map[string]string{"prompt": "写笔记"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "大模型客户端未配置")
}

func TestLLMStagePropagatesClientError(t *testing.T) {
	clientErr := errors.New("上游不可用")
	client := &fakeLLMClient{err: clientErr}
	run, err := newLLMBuilder(client)(&config.StageDefinition{
		Name:   "gen",
		Kind:   KindLLM,
		Params: map[string]string{"prompt": "写笔记"},
	})
	require.NoError(t, err)

	in := testInput()
	emitCalled := false
	in.Emit = func(string) { emitCalled = true }

	_, err = run(context.Background(), in)
	assert.ErrorIs(t, err, clientErr)
	assert.False(t, emitCalled)
}

func TestAssembleStage(t *testing.T) {
	run, err := buildAssembleStage(&config.StageDefinition{
		Name:   "assemble",
		Kind:   KindAssemble,
		Params: map[string]string{"sections": " b , a , missing "},
	})
	require.NoError(t, err)

	in := testInput()
	in.Outputs = map[string]string{
		"a": "A部分内容",
		"b": "B部分内容",
		"c": "   ",
	}
	out, err := run(context.Background(), in)
	require.NoError(t, err)

	var report assembledReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "碎花连衣裙", report.ProductDesc)
	assert.Equal(t, "春日穿搭", report.TitleHint)
	assert.Equal(t, "活泼", report.Style)
	assert.Equal(t, 2, report.ImageCount)
	assert.Equal(t, in.Outputs, report.Sections)
	// sections顺序决定正文顺序，缺失与空白的节跳过
	assert.Equal(t, "## b\n\nB部分内容\n\n## a\n\nA部分内容", report.Report)
}

func TestAssembleStageDefaultOrder(t *testing.T) {
	run, err := buildAssembleStage(&config.StageDefinition{Name: "assemble", Kind: KindAssemble})
	require.NoError(t, err)

	in := testInput()
	in.Outputs = map[string]string{"beta": "乙", "alpha": "甲"}
	out, err := run(context.Background(), in)
	require.NoError(t, err)

	var report assembledReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "## alpha\n\n甲\n\n## beta\n\n乙", report.Report)
}
