/**
 * 模型:笔记生成请求
 * @author: sun977
 * @date: 2025.12.18
 * @description: 笔记生成任务的提交请求结构与入参校验
 * @func: SubmitNoteRequest 结构体及 Validate 校验方法
 */
package pipeline

import (
	"fmt"
	"strings"
)

// NoteImage 提交的产品图片素材
type NoteImage struct {
	Name string `json:"name"` // 素材名称，可选
	URL  string `json:"url"`  // 图片地址，必填
}

// SubmitNoteRequest 笔记生成任务提交请求
// 校验在准入判定之前执行，校验失败不消耗任何配额
type SubmitNoteRequest struct {
	TitleHint   string      `json:"title_hint"`   // 标题方向提示，可选
	ProductDesc string      `json:"product_desc"` // 产品描述，必填
	Images      []NoteImage `json:"images"`       // 产品图片，1..maxImages 张
	Style       string      `json:"style"`        // 文案风格，可选
	Pipeline    string      `json:"pipeline"`     // 指定流水线名称，可选(默认取配置默认流水线)
}

// Validate 校验提交请求
// maxImages 为允许的最大图片数量(来自配置)
func (r *SubmitNoteRequest) Validate(maxImages int) error {
	if strings.TrimSpace(r.ProductDesc) == "" {
		return fmt.Errorf("product_desc is required")
	}
	if len(r.Images) == 0 {
		return fmt.Errorf("at least one image is required")
	}
	if maxImages > 0 && len(r.Images) > maxImages {
		return fmt.Errorf("too many images: %d (max %d)", len(r.Images), maxImages)
	}
	for i, img := range r.Images {
		if strings.TrimSpace(img.URL) == "" {
			return fmt.Errorf("images[%d].url is required", i)
		}
	}
	return nil
}
