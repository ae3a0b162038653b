package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"follow-export/server/internal/export"
	"follow-export/server/internal/extract"
	"follow-export/server/internal/ingest"
	"follow-export/server/internal/intercept"
	"follow-export/server/internal/logbook"
	"follow-export/server/internal/metrics"
	"follow-export/server/internal/model"
	"follow-export/server/internal/session"
)

// ErrNotCapturing 表示会话尚未 StartCapture，观测被拒绝。
var ErrNotCapturing = session.ErrNotCapturing

const defaultFilenamePrefix = "twitter"

type Options struct {
	// FilenamePrefix 是导出文件名前缀。
	FilenamePrefix string
	Export         export.Options
	// Routes 为空时使用 extract.DefaultRoutes()。
	Routes []extract.Route
}

// Orchestrator 把采集流水线的两条路径串起来。
//
// 职责与契约：
// - 数据路径：Interceptor -> Extractor -> Buffer -> Store，与会话无关，进程启动即生效。
// - 观测路径：页面上看到的 handle -> 会话的 Accumulator，只在 StartCapture 之后接收。
// - 导出时按需读取两边：序号映射来自会话，完整记录来自存储。
// - 任何一步失败都在原地记录并降级，不让整条流水线停下。
type Orchestrator struct {
	store       session.Store
	buffer      *ingest.Buffer
	interceptor *intercept.Interceptor
	assembler   *export.Assembler
	log         *logbook.Logbook
	prefix      string
	now         func() time.Time
}

func New(store session.Store, buffer *ingest.Buffer, log *logbook.Logbook, opt Options, now func() time.Time) (*Orchestrator, error) {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logbook.New(nil)
	}
	if opt.FilenamePrefix == "" {
		opt.FilenamePrefix = defaultFilenamePrefix
	}
	routes := opt.Routes
	if len(routes) == 0 {
		routes = extract.DefaultRoutes()
	}

	o := &Orchestrator{
		store:     store,
		buffer:    buffer,
		assembler: export.NewAssembler(buffer, opt.Export),
		log:       log,
		prefix:    opt.FilenamePrefix,
		now:       now,
	}
	o.interceptor = intercept.New(o.onIntercepted, log)
	if err := o.interceptor.RegisterAll(routes); err != nil {
		return nil, err
	}
	return o, nil
}

// Interceptor 暴露给传输层（反向代理）使用。
func (o *Orchestrator) Interceptor() *intercept.Interceptor {
	return o.interceptor
}

// OnResponse 接收一次已完成的接口调用（例如浏览器伴随脚本转发来的响应），返回命中的路由数。
func (o *Orchestrator) OnResponse(url string, status int, body []byte) int {
	return o.interceptor.Observe(url, status, body)
}

// onIntercepted 解析响应并入缓冲。解析失败只丢弃本次调用的数据。
func (o *Orchestrator) onIntercepted(route string, body []byte, fn extract.ExtractorFunc) {
	metrics.InterceptedResponses.WithLabelValues(route).Inc()

	entries, err := extract.Parse(body, fn)
	if err != nil {
		metrics.ParseFailures.Inc()
		o.log.Error("Failed to parse API response.", zap.String("route", route), zap.Error(err))
		return
	}
	o.log.Debug("intercepted page", zap.String("route", route), zap.Int("users", len(entries)))
	o.buffer.Enqueue(entries)
}

// CreateSession 根据页面路径创建会话。
func (o *Orchestrator) CreateSession(ctx context.Context, path string) (*session.Session, error) {
	sess, err := session.New(path, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	loc := sess.Location()
	o.log.Info(fmt.Sprintf("Target: %s, list type: %s", loc.Target, loc.ListType), zap.String("session_id", sess.ID))
	return sess, nil
}

func (o *Orchestrator) Session(ctx context.Context, id string) (*session.Session, error) {
	return o.store.Get(ctx, id)
}

// Navigate 切换会话的页面。目标变化会重置映射并停止采集。
func (o *Orchestrator) Navigate(ctx context.Context, id, path string) (session.Status, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return session.Status{}, err
	}
	changed, err := sess.Navigate(path)
	if err != nil {
		return session.Status{}, err
	}
	if changed {
		loc := sess.Location()
		o.log.Info(fmt.Sprintf("Target changed to %s (%s), session reset.", loc.Target, loc.ListType), zap.String("session_id", id))
	}
	return sess.Status(), nil
}

// StartCapture 开始把页面观测喂给 Accumulator。
func (o *Orchestrator) StartCapture(ctx context.Context, id string) (session.Status, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return session.Status{}, err
	}
	sess.Start()
	o.log.Info("Start listening on page scroll...", zap.String("session_id", id))
	o.log.Info("Scroll down the page and the list content will be saved automatically as you scroll.")
	return sess.Status(), nil
}

// Observe 处理一轮页面观测，返回每个可用 handle 的标记。
// 被复用的行重复上报同一 handle 时只返回已有序号，不产生数据动作；
// 一轮里没有任何可用 handle 时记录告警并返回空结果。
func (o *Orchestrator) Observe(ctx context.Context, id string, handles []string) ([]model.Mark, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	usable := make([]string, 0, len(handles))
	for _, h := range handles {
		if strings.TrimSpace(h) == "" {
			o.log.Debug("no handle found in list item", zap.String("session_id", id))
			continue
		}
		usable = append(usable, h)
	}

	marks, added, err := sess.Observe(usable)
	if err != nil {
		return nil, err
	}

	if len(marks) == 0 {
		o.log.Warn("No user found in the visible list items.", zap.String("session_id", id))
		return marks, nil
	}
	if added > 0 {
		metrics.SightedHandles.Add(float64(added))
		o.log.Debug("sighted handles", zap.String("session_id", id), zap.Int("new", added), zap.Int("saved", sess.Roster.Count()))
	}
	return marks, nil
}

// Dismiss 停止观测、清空映射并移除会话。
func (o *Orchestrator) Dismiss(ctx context.Context, id string) error {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Dismiss()
	if err := o.store.Delete(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	o.log.Info("Capture dismissed.", zap.String("session_id", id))
	return nil
}

// Export 生成 (文件名, 内容) 交给外部保存方。
func (o *Orchestrator) Export(ctx context.Context, id string, format export.Format) (export.File, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return export.File{}, err
	}

	loc := sess.Location()
	name := export.Filename(o.prefix, loc.Target, loc.ListType, o.now(), format)
	o.log.Info(fmt.Sprintf("Exporting to %s file: %s", strings.ToUpper(format.Ext()), name))

	body, err := o.assembler.Build(ctx, sess.Roster.Entries(), format)
	if err != nil {
		o.log.Error("Failed to export.", zap.String("session_id", id), zap.Error(err))
		return export.File{}, err
	}
	return export.File{Name: name, ContentType: format.ContentType(), Body: body}, nil
}

// Preview 返回表格形式的导出内容，用于页面内预览。
func (o *Orchestrator) Preview(ctx context.Context, id string) ([]byte, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.assembler.Build(ctx, sess.Roster.Entries(), export.FormatTabular)
}
