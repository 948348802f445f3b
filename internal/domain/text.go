package domain

import "unicode/utf8"

// 文本字段的最大字符数，与表结构一致
const (
	maxReasonLength      = 512
	maxDescriptionLength = 256
)

// clip 按字符截断，超长时以 "..." 结尾
func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}
