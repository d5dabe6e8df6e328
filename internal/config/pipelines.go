/**
 * 配置:流水线定义加载器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 从YAML文件加载流水线的阶段定义，阶段行为由stages包在装配时绑定
 * @func: LoadPipelineDefinitions、PipelineDefinition、StageDefinition
 */
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StageDefinition 单个阶段的声明式定义
// 执行语义(重试/退避/超时)在这里声明，阶段行为由 kind 在装配时解析
type StageDefinition struct {
	Name          string            `yaml:"name"`            // 阶段名称，流水线内唯一
	Kind          string            `yaml:"kind"`            // 阶段类型: llm, assemble
	MaxAttempts   int               `yaml:"max_attempts"`    // 最大尝试次数(含首次)，缺省1
	BackoffBaseMs int               `yaml:"backoff_base_ms"` // 重试退避基准(毫秒)，按尝试次数指数增长
	TimeoutMs     int               `yaml:"timeout_ms"`      // 单次尝试超时(毫秒)，0表示不限制
	Params        map[string]string `yaml:"params"`          // 阶段参数(提示词模板等)
}

// Backoff 返回退避基准时长
func (s *StageDefinition) Backoff() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

// Timeout 返回单次尝试超时时长，0表示无限制
func (s *StageDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// PipelineDefinition 一条流水线的完整定义
// 空阶段列表是合法定义：任务受理后立即完成
type PipelineDefinition struct {
	Name        string            `yaml:"name"`        // 流水线名称
	Description string            `yaml:"description"` // 描述
	Stages      []StageDefinition `yaml:"stages"`      // 有序阶段列表
}

// PipelineDefinitions 流水线定义文件的根结构
type PipelineDefinitions struct {
	Pipelines []PipelineDefinition `yaml:"pipelines"`
}

// Get 按名称查找流水线定义
func (d *PipelineDefinitions) Get(name string) (*PipelineDefinition, bool) {
	for i := range d.Pipelines {
		if d.Pipelines[i].Name == name {
			return &d.Pipelines[i], true
		}
	}
	return nil, false
}

// LoadPipelineDefinitions 从YAML文件加载流水线定义
func LoadPipelineDefinitions(path string) (*PipelineDefinitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definitions %s: %w", path, err)
	}

	var defs PipelineDefinitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definitions %s: %w", path, err)
	}

	if err := validatePipelineDefinitions(&defs); err != nil {
		return nil, fmt.Errorf("invalid pipeline definitions %s: %w", path, err)
	}

	return &defs, nil
}

// validatePipelineDefinitions 校验流水线定义并补齐缺省值
func validatePipelineDefinitions(defs *PipelineDefinitions) error {
	if len(defs.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}

	seen := make(map[string]bool, len(defs.Pipelines))
	for i := range defs.Pipelines {
		p := &defs.Pipelines[i]
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("pipelines[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pipeline name: %s", p.Name)
		}
		seen[p.Name] = true

		stageNames := make(map[string]bool, len(p.Stages))
		for j := range p.Stages {
			s := &p.Stages[j]
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("pipeline %s: stages[%d].name is required", p.Name, j)
			}
			if stageNames[s.Name] {
				return fmt.Errorf("pipeline %s: duplicate stage name: %s", p.Name, s.Name)
			}
			stageNames[s.Name] = true

			if strings.TrimSpace(s.Kind) == "" {
				return fmt.Errorf("pipeline %s: stage %s: kind is required", p.Name, s.Name)
			}
			if s.MaxAttempts <= 0 {
				s.MaxAttempts = 1
			}
			if s.BackoffBaseMs < 0 {
				return fmt.Errorf("pipeline %s: stage %s: backoff_base_ms must not be negative", p.Name, s.Name)
			}
			if s.TimeoutMs < 0 {
				return fmt.Errorf("pipeline %s: stage %s: timeout_ms must not be negative", p.Name, s.Name)
			}
		}
	}

	return nil
}
