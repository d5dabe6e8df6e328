/*
 * @author: sun977
 * @date: 2025.12.19
 * @description: 追踪ID和任务ID生成工具
 * @func: NewTraceID、NewTaskID
 */

package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewTraceID 生成32位十六进制追踪ID
// 与W3C trace-context的trace-id格式对齐，便于接入外部追踪系统
func NewTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand 不可用时回退到uuid
		u := uuid.New()
		return hex.EncodeToString(u[:])
	}
	return hex.EncodeToString(buf[:])
}

// NewTaskID 生成全局唯一的任务ID
func NewTaskID() string {
	return uuid.NewString()
}
