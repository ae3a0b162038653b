package export

import (
	"fmt"
	"strings"
	"time"
)

// Format 是导出格式。
type Format string

const (
	// FormatFlat 是逐字段转义的分隔文本（.csv）。
	FormatFlat Format = "flat"
	// FormatStructured 是完整原始记录数组（.json）。
	FormatStructured Format = "structured"
	// FormatTabular 是 HTML 表格（.html），也用于预览。
	FormatTabular Format = "tabular"
)

// ParseFormat 接受格式名或扩展名别名（csv/json/html）。
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flat", "csv":
		return FormatFlat, nil
	case "structured", "json":
		return FormatStructured, nil
	case "tabular", "html":
		return FormatTabular, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

func (f Format) Ext() string {
	switch f {
	case FormatFlat:
		return "csv"
	case FormatStructured:
		return "json"
	case FormatTabular:
		return "html"
	default:
		return "txt"
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatFlat:
		return "text/csv; charset=utf-8"
	case FormatStructured:
		return "application/json; charset=utf-8"
	case FormatTabular:
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Filename 按 <prefix>-<target>-<list-type>-<timestamp>.<ext> 生成文件名，时间戳为毫秒。
func Filename(prefix, target, listType string, at time.Time, f Format) string {
	return fmt.Sprintf("%s-%s-%s-%d.%s", prefix, target, listType, at.UnixMilli(), f.Ext())
}

// File 是交给外部保存方的 (filename, content)。
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}
