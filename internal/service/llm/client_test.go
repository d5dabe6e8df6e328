package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
)

func testLLMConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		BaseURL:     baseURL,
		APIKey:      "sk-test-key",
		Model:       "qwen-plus",
		Timeout:     5 * time.Second,
		MaxTokens:   1024,
		Temperature: 0.7,
	}
}

func chatResponseBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + mustJSON(content) + `}}],"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	cfg := testLLMConfig("http://localhost:1234")
	cfg.BaseURL = ""
	_, err = NewClient(cfg)
	assert.Error(t, err)

	cfg = testLLMConfig("http://localhost:1234")
	cfg.APIKey = ""
	_, err = NewClient(cfg)
	assert.Error(t, err)

	cfg = testLLMConfig("http://localhost:1234")
	cfg.Model = ""
	_, err = NewClient(cfg)
	assert.Error(t, err)

	client, err := NewClient(testLLMConfig("http://localhost:1234"))
	assert.NoError(t, err)
	assert.NotNil(t, client)
}

func TestChatCompletionSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponseBody("生成的笔记内容")))
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	content, err := client.ChatCompletion(context.Background(), []Message{
		NewTextMessage("system", "你是小红书文案助手"),
		NewTextMessage("user", "写一篇咖啡店探店笔记"),
	})
	require.NoError(t, err)
	assert.Equal(t, "生成的笔记内容", content)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test-key", gotAuth)
	assert.Equal(t, "qwen-plus", gotBody.Model)
	assert.Len(t, gotBody.Messages, 2)
	assert.InDelta(t, 0.7, gotBody.Temperature, 0.001)
	assert.Equal(t, 1024, gotBody.MaxTokens)
}

func TestChatCompletionMultimodalPayload(t *testing.T) {
	var rawBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &rawBody)
		_, _ = w.Write([]byte(chatResponseBody("分类结果")))
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{
		NewImageMessage("user", "判断图片类型", "https://example.com/a.jpg", "https://example.com/b.jpg"),
	})
	require.NoError(t, err)

	messages, ok := rawBody["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 1)

	first, ok := messages[0].(map[string]interface{})
	require.True(t, ok)
	parts, ok := first["content"].([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 3)

	textPart := parts[0].(map[string]interface{})
	assert.Equal(t, "text", textPart["type"])
	assert.Equal(t, "判断图片类型", textPart["text"])

	imagePart := parts[1].(map[string]interface{})
	assert.Equal(t, "image_url", imagePart["type"])
	imageURL := imagePart["image_url"].(map[string]interface{})
	assert.Equal(t, "https://example.com/a.jpg", imageURL["url"])
}

func TestChatCompletionServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.True(t, pipelineModel.IsTransient(err))
	assert.False(t, pipelineModel.IsPermanent(err))
}

func TestChatCompletionRateLimitedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.True(t, pipelineModel.IsTransient(err))
}

func TestChatCompletionClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid model", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.True(t, pipelineModel.IsPermanent(err))
	assert.False(t, pipelineModel.IsTransient(err))
}

func TestChatCompletionMalformedResponseIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not valid json`))
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.True(t, pipelineModel.IsPermanent(err))
}

func TestChatCompletionMissingChoicesIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.True(t, pipelineModel.IsPermanent(err))
}

func TestChatCompletionEmptyContentIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponseBody("   ")))
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.True(t, pipelineModel.IsTransient(err))
}

func TestChatCompletionContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(chatResponseBody("late")))
	}))
	defer server.Close()

	client, err := NewClient(testLLMConfig(server.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.ChatCompletion(ctx, []Message{NewTextMessage("user", "hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// 取消错误不属于阶段错误分类
	assert.False(t, pipelineModel.IsTransient(err))
	assert.False(t, pipelineModel.IsPermanent(err))
}

func TestChatCompletionEmptyMessages(t *testing.T) {
	client, err := NewClient(testLLMConfig("http://localhost:1234"))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, pipelineModel.IsPermanent(err))
}
