package export

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"follow-export/server/internal/metrics"
	"follow-export/server/internal/model"
)

// Lookup 按 handle 查记录；查不到或存储不可用时返回 nil，不返回错误。
type Lookup interface {
	LookupByHandle(ctx context.Context, handle string) *model.PersistedUser
}

type Options struct {
	// ProfileBaseURL 是 handle 超链接的前缀。
	ProfileBaseURL string
	// Concurrency 限制同时进行的查询数，<=0 表示不限制。
	Concurrency int
}

const defaultProfileBaseURL = "https://twitter.com/"

// Assembler 把会话的 序号->handle 映射与存储记录拼接成有序导出。
type Assembler struct {
	lookup         Lookup
	profileBaseURL string
	concurrency    int
}

func NewAssembler(lookup Lookup, opt Options) *Assembler {
	if opt.ProfileBaseURL == "" {
		opt.ProfileBaseURL = defaultProfileBaseURL
	}
	return &Assembler{
		lookup:         lookup,
		profileBaseURL: opt.ProfileBaseURL,
		concurrency:    opt.Concurrency,
	}
}

// Records 对每个 handle 并发发起一次查询，全部完成后按序号升序组装。
// 每个结果写入自己在排序后的位置，顺序与查询完成顺序无关；
// 查不到的记录保留为 User=nil 的行，行数恒等于映射条数。
func (a *Assembler) Records(ctx context.Context, entries []model.SessionEntry) ([]model.ExportRecord, error) {
	sorted := make([]model.SessionEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	records := make([]model.ExportRecord, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, e := range sorted {
		i, e := i, e
		g.Go(func() error {
			records[i] = model.ExportRecord{
				Seq:    e.Seq,
				Handle: e.Handle,
				User:   a.lookup.LookupByHandle(gctx, e.Handle),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range records {
		if r.User == nil {
			metrics.MissingRecords.Inc()
		}
	}
	return records, nil
}

// Build 组装记录并渲染为指定格式。
func (a *Assembler) Build(ctx context.Context, entries []model.SessionEntry, format Format) ([]byte, error) {
	records, err := a.Records(ctx, entries)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch format {
	case FormatFlat:
		out = []byte(Flat(records))
	case FormatStructured:
		out, err = Structured(records)
	case FormatTabular:
		out, err = Tabular(records, a.profileBaseURL)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", format, err)
	}

	metrics.Exports.WithLabelValues(string(format)).Inc()
	return out, nil
}
