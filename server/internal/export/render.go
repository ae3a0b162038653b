package export

import (
	"bytes"
	"encoding/json"
	"html/template"
	"strconv"
	"strings"

	"follow-export/server/internal/model"
)

const flatHeader = "number,name,screen_name,profile_image,following,followed_by,description,extra"

// row 是三种格式共用的单行视图。缺失记录的字段为空串，原始记录为 null。
type row struct {
	Seq         int
	Name        string
	Handle      string
	AvatarURL   string
	Following   bool
	FollowedBy  bool
	Description string
	Raw         string
}

func toRow(r model.ExportRecord) row {
	out := row{Seq: r.Seq, Handle: r.Handle, Raw: "null"}
	if r.User == nil {
		return out
	}
	if len(r.User.Raw) > 0 {
		out.Raw = string(r.User.Raw)
	}
	if p := r.User.Profile; p != nil {
		out.Name = p.Name
		if p.Handle != "" {
			out.Handle = p.Handle
		}
		out.AvatarURL = p.AvatarURL
		out.Following = p.Following
		out.FollowedBy = p.FollowedBy
		out.Description = SanitizeDescription(p.Description, p.DescriptionURLs)
	}
	return out
}

// Flat 渲染分隔文本：表头一行，之后每条记录一行，行间用单个换行分隔。
func Flat(records []model.ExportRecord) string {
	var sb strings.Builder
	sb.WriteString(flatHeader)
	for _, rec := range records {
		r := toRow(rec)
		fields := []string{
			strconv.Itoa(r.Seq),
			r.Name,
			r.Handle,
			r.AvatarURL,
			strconv.FormatBool(r.Following),
			strconv.FormatBool(r.FollowedBy),
			r.Description,
			r.Raw,
		}
		for i, f := range fields {
			fields[i] = EscapeField(f)
		}
		sb.WriteByte('\n')
		sb.WriteString(strings.Join(fields, ","))
	}
	return sb.String()
}

// Structured 渲染完整原始记录数组，两空格缩进；缺失记录输出 null。
func Structured(records []model.ExportRecord) ([]byte, error) {
	items := make([]json.RawMessage, len(records))
	for i, rec := range records {
		items[i] = json.RawMessage(toRow(rec).Raw)
	}
	return json.MarshalIndent(items, "", "  ")
}

var tabularTmpl = template.Must(template.New("tabular").Parse(`<table>
  <thead>
    <tr>
      <th>#</th>
      <th>name</th>
      <th>screen_name</th>
      <th>profile_image</th>
      <th>following</th>
      <th>followed_by</th>
      <th>description</th>
      <th>extra</th>
    </tr>
  </thead>
  <tbody>
{{- range .Rows}}
    <tr>
      <td>{{.Seq}}</td>
      <td>{{.Name}}</td>
      <td><a href="{{$.ProfileBaseURL}}{{.Handle}}">{{.Handle}}</a></td>
      <td>{{if .AvatarURL}}<img src="{{.AvatarURL}}">{{end}}</td>
      <td>{{.Following}}</td>
      <td>{{.FollowedBy}}</td>
      <td>{{.Description}}</td>
      <td>
        <details>
          <summary>Expand</summary>
          <pre>{{.Raw}}</pre>
        </details>
      </td>
    </tr>
{{- end}}
  </tbody>
</table>
`))

// Tabular 渲染 HTML 表格，handle 链接到 profileBaseURL+handle。
func Tabular(records []model.ExportRecord, profileBaseURL string) ([]byte, error) {
	rows := make([]row, len(records))
	for i, rec := range records {
		rows[i] = toRow(rec)
	}

	var buf bytes.Buffer
	err := tabularTmpl.Execute(&buf, struct {
		ProfileBaseURL string
		Rows           []row
	}{profileBaseURL, rows})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
