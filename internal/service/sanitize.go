package service

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// fallbackReply 是清洗后没有任何可展示内容时的兜底回复。
const fallbackReply = "Your request has been processed."

// sanitizeReply 把模型输出清洗成可直接展示的纯文本：
// 去掉代码围栏与裸 JSON、剔除控制字符、修复非法 UTF-8。
// 保证返回值永远非空。
func sanitizeReply(raw string) string {
	cleaned := stripCodeFences(raw)

	// 整体是一个 JSON 对象/数组时不适合直接展示
	trimmed := strings.TrimSpace(cleaned)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		cleaned = ""
	}

	if !utf8.ValidString(cleaned) {
		cleaned = strings.ToValidUTF8(cleaned, "")
	}

	var builder strings.Builder
	for _, r := range cleaned {
		if r == '\n' || r == '\t' {
			builder.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		builder.WriteRune(r)
	}

	result := strings.TrimSpace(builder.String())
	if result == "" {
		return fallbackReply
	}
	return result
}
