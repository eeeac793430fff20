package id

import (
	"strings"

	"github.com/google/uuid"
)

// New 生成带前缀的唯一 ID：prefix + "_" + 无连字符 UUID。
// 前缀便于日志阅读（job_xxx / evt_xxx），UUID 保证跨进程唯一。
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
