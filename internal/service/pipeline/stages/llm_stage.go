/**
 * 服务层:大模型阶段
 * @author: sun977
 * @date: 2025.12.19
 * @description: llm类型阶段的构造，提示词模板渲染+单次大模型调用+增量产出上报
 * @func: newLLMBuilder
 */
package stages

import (
	"context"
	"errors"
	"strings"

	"notemaster/internal/config"
	"notemaster/internal/service/llm"
)

// llm阶段参数:
//
//	prompt        用户提示词模板，必填
//	system        系统提示词模板，可选
//	attach_images "true"时将提交的图片作为多模态内容附加到用户消息
func newLLMBuilder(client llm.Client) Builder {
	return func(def *config.StageDefinition) (StageFunc, error) {
		if client == nil {
			return nil, errors.New("大模型客户端未配置")
		}
		prompt := def.Params["prompt"]
		if strings.TrimSpace(prompt) == "" {
			return nil, errors.New("llm阶段缺少prompt参数")
		}
		system := def.Params["system"]
		attachImages := def.Params["attach_images"] == "true"

		return func(ctx context.Context, in *Input) (string, error) {
			messages := make([]llm.Message, 0, 2)
			if system != "" {
				messages = append(messages, llm.NewTextMessage("system", renderTemplate(system, in)))
			}

			userPrompt := renderTemplate(prompt, in)
			if attachImages && in.Request != nil && len(in.Request.Images) > 0 {
				urls := make([]string, 0, len(in.Request.Images))
				for _, img := range in.Request.Images {
					urls = append(urls, img.URL)
				}
				messages = append(messages, llm.NewImageMessage("user", userPrompt, urls...))
			} else {
				messages = append(messages, llm.NewTextMessage("user", userPrompt))
			}

			content, err := client.ChatCompletion(ctx, messages)
			if err != nil {
				return "", err
			}
			if in.Emit != nil {
				in.Emit(content)
			}
			return content, nil
		}, nil
	}
}
