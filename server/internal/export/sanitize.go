package export

import (
	"strings"

	"follow-export/server/internal/model"
)

// SanitizeDescription 把简介中的每个短链替换为展开地址。
// 每对实体独立应用，替换该短链的全部出现；没有实体时原样返回。
func SanitizeDescription(text string, urls []model.URLEntity) string {
	for _, u := range urls {
		if u.Short == "" {
			continue
		}
		text = strings.ReplaceAll(text, u.Short, u.Expanded)
	}
	return text
}

var fieldEscaper = strings.NewReplacer(
	`"`, `""`,
	"\n", `\n`,
	"\r", `\r`,
)

// EscapeField 转义单个分隔文本字段：整体加引号，内嵌引号加倍，
// 换行/回车替换成字面的两字符转义序列。
func EscapeField(s string) string {
	return `"` + fieldEscaper.Replace(s) + `"`
}
