/**
 * 服务层:汇编阶段
 * @author: sun977
 * @date: 2025.12.19
 * @description: assemble类型阶段的构造，将先前阶段的产出组装为最终笔记报告JSON
 * @func: buildAssembleStage
 */
package stages

import (
	"context"
	"encoding/json"
	"strings"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
)

// assembledReport 最终报告结构
type assembledReport struct {
	TitleHint   string            `json:"title_hint,omitempty"`
	ProductDesc string            `json:"product_desc"`
	Style       string            `json:"style,omitempty"`
	ImageCount  int               `json:"image_count"`
	Sections    map[string]string `json:"sections"`
	Report      string            `json:"report"`
}

// assemble阶段参数:
//
//	sections 逗号分隔的阶段名列表，决定报告正文中各节的顺序
//	         缺省时按阶段名排序包含全部先前产出
func buildAssembleStage(def *config.StageDefinition) (StageFunc, error) {
	var order []string
	if raw := strings.TrimSpace(def.Params["sections"]); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				order = append(order, name)
			}
		}
	}

	return func(_ context.Context, in *Input) (string, error) {
		req := in.Request
		if req == nil {
			req = &pipelineModel.SubmitNoteRequest{}
		}

		names := order
		if len(names) == 0 {
			names = sortedOutputNames(in.Outputs)
		}

		var body strings.Builder
		for _, name := range names {
			content, ok := in.Outputs[name]
			if !ok || strings.TrimSpace(content) == "" {
				continue
			}
			body.WriteString("## ")
			body.WriteString(name)
			body.WriteString("\n\n")
			body.WriteString(content)
			body.WriteString("\n\n")
		}

		report := assembledReport{
			TitleHint:   req.TitleHint,
			ProductDesc: req.ProductDesc,
			Style:       req.Style,
			ImageCount:  len(req.Images),
			Sections:    in.Outputs,
			Report:      strings.TrimRight(body.String(), "\n"),
		}
		data, err := json.Marshal(report)
		if err != nil {
			return "", pipelineModel.NewPermanentError("汇编结果序列化失败", err)
		}
		return string(data), nil
	}, nil
}
