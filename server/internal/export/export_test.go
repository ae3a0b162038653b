package export

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"follow-export/server/internal/model"
)

func persisted(id, handle, name string) *model.PersistedUser {
	raw, _ := json.Marshal(map[string]any{"rest_id": id, "legacy": map[string]any{"screen_name": handle}})
	return &model.PersistedUser{
		RestID:  id,
		Handle:  handle,
		Profile: &model.Profile{Name: name, Handle: handle, AvatarURL: "https://img/" + handle + ".jpg"},
		Raw:     raw,
	}
}

type mapLookup map[string]*model.PersistedUser

func (m mapLookup) LookupByHandle(_ context.Context, handle string) *model.PersistedUser {
	return m[handle]
}

// gatedLookup 每个 handle 的查询阻塞到对应的 release 通道关闭，用来控制完成顺序。
type gatedLookup struct {
	users   mapLookup
	release map[string]chan struct{}
	started sync.WaitGroup

	mu    sync.Mutex
	order []string
}

func (g *gatedLookup) LookupByHandle(ctx context.Context, handle string) *model.PersistedUser {
	g.started.Done()
	<-g.release[handle]
	g.mu.Lock()
	g.order = append(g.order, handle)
	g.mu.Unlock()
	return g.users.LookupByHandle(ctx, handle)
}

func (g *gatedLookup) completed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

func TestRecordsOrderIndependentOfCompletion(t *testing.T) {
	g := &gatedLookup{
		users: mapLookup{
			"a": persisted("1", "a", "A"),
			"b": persisted("2", "b", "B"),
			"c": persisted("3", "c", "C"),
		},
		release: map[string]chan struct{}{
			"a": make(chan struct{}),
			"b": make(chan struct{}),
			"c": make(chan struct{}),
		},
	}
	g.started.Add(3)

	entries := []model.SessionEntry{{Seq: 3, Handle: "c"}, {Seq: 1, Handle: "a"}, {Seq: 2, Handle: "b"}}
	var (
		records []model.ExportRecord
		err     error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		records, err = NewAssembler(g, Options{}).Records(context.Background(), entries)
	}()

	g.started.Wait()
	for i, h := range []string{"c", "a", "b"} {
		close(g.release[h])
		require.Eventually(t, func() bool { return g.completed() == i+1 }, time.Second, time.Millisecond)
	}

	<-done
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, g.order)
	require.Len(t, records, 3)
	for i, h := range []string{"a", "b", "c"} {
		require.Equal(t, i+1, records[i].Seq)
		require.Equal(t, h, records[i].Handle)
		require.Equal(t, h, records[i].User.Handle)
	}
}

func TestBuildToleratesMissingRecords(t *testing.T) {
	a := NewAssembler(mapLookup{"a": persisted("1", "a", "A")}, Options{})
	entries := []model.SessionEntry{{Seq: 1, Handle: "a"}, {Seq: 2, Handle: "ghost"}}

	flat, err := a.Build(context.Background(), entries, FormatFlat)
	require.NoError(t, err)
	lines := strings.Split(string(flat), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, flatHeader, lines[0])
	require.True(t, strings.HasPrefix(lines[2], `"2","","ghost",`))
	require.True(t, strings.HasSuffix(lines[2], `"null"`))

	structured, err := a.Build(context.Background(), entries, FormatStructured)
	require.NoError(t, err)
	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(structured, &items))
	require.Len(t, items, 2)
	require.Equal(t, "null", string(items[1]))

	tabular, err := a.Build(context.Background(), entries, FormatTabular)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(tabular), "<summary>Expand</summary>"))
}

func TestBuildEmptySession(t *testing.T) {
	a := NewAssembler(mapLookup{}, Options{})

	flat, err := a.Build(context.Background(), nil, FormatFlat)
	require.NoError(t, err)
	require.Equal(t, flatHeader, string(flat))

	structured, err := a.Build(context.Background(), nil, FormatStructured)
	require.NoError(t, err)
	require.Equal(t, "[]", string(structured))
}

func TestBuildRespectsConcurrencyLimit(t *testing.T) {
	users := mapLookup{}
	var entries []model.SessionEntry
	for i, h := range []string{"a", "b", "c", "d", "e"} {
		users[h] = persisted(h, h, strings.ToUpper(h))
		entries = append(entries, model.SessionEntry{Seq: i + 1, Handle: h})
	}

	records, err := NewAssembler(users, Options{Concurrency: 2}).Records(context.Background(), entries)
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, "e", records[4].User.Handle)
}

// unescapeField 是 EscapeField 的逆操作，只用于测试。
func unescapeField(s string) string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, `"`), `"`)
	return strings.NewReplacer(`""`, `"`, `\n`, "\n", `\r`, "\r").Replace(s)
}

func TestEscapeFieldRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"plain",
		`he said "hi"`,
		"line1\nline2\r\nline3",
		`a,b,"c"` + "\n",
	}
	for _, in := range cases {
		out := EscapeField(in)
		require.True(t, strings.HasPrefix(out, `"`) && strings.HasSuffix(out, `"`))
		require.NotContains(t, out, "\n")
		require.NotContains(t, out, "\r")
		require.Equal(t, in, unescapeField(out))
	}
}

func TestSanitizeDescription(t *testing.T) {
	urls := []model.URLEntity{{Short: "t.co/abc", Expanded: "example.com/page"}}
	require.Equal(t, "see example.com/page", SanitizeDescription("see t.co/abc", urls))
	require.Equal(t, "example.com/page and example.com/page", SanitizeDescription("t.co/abc and t.co/abc", urls))
	require.Equal(t, "no links", SanitizeDescription("no links", nil))
	require.Equal(t, "keep", SanitizeDescription("keep", []model.URLEntity{{Short: "", Expanded: "x"}}))
}

func TestTabularLinksHandles(t *testing.T) {
	out, err := Tabular([]model.ExportRecord{{Seq: 1, Handle: "alice", User: persisted("1", "alice", "Alice <3")}}, "https://twitter.com/")
	require.NoError(t, err)

	html := string(out)
	require.Contains(t, html, `<a href="https://twitter.com/alice">alice</a>`)
	require.Contains(t, html, `<img src="https://img/alice.jpg">`)
	require.Contains(t, html, "Alice &lt;3")
}

func TestFilenameAndFormat(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	require.Equal(t, "twitter-alice-following-1700000000123.csv", Filename("twitter", "alice", "following", at, FormatFlat))
	require.Equal(t, "twitter-list_42-members-1700000000123.html", Filename("twitter", "list_42", "members", at, FormatTabular))

	for in, want := range map[string]Format{"csv": FormatFlat, "JSON": FormatStructured, "tabular": FormatTabular} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	require.Error(t, err)
}
