package intercept

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"follow-export/server/internal/extract"
	"follow-export/server/internal/logbook"
)

// Handler 接收匹配到的响应体与对应的提取函数，交给 Extractor 处理。
type Handler func(route string, body []byte, fn extract.ExtractorFunc)

type route struct {
	name    string
	pattern *regexp.Regexp
	extract extract.ExtractorFunc
}

// Interceptor 观察出站请求：地址命中已注册模式且成功完成时，把响应体转交 Handler。
// 对请求本身零行为改变；未命中的请求不产生额外开销。
type Interceptor struct {
	mu      sync.RWMutex
	routes  []route
	handler Handler
	log     *logbook.Logbook
}

func New(handler Handler, log *logbook.Logbook) *Interceptor {
	if log == nil {
		log = logbook.New(nil)
	}
	return &Interceptor{handler: handler, log: log}
}

// Register 注册一个地址模式。同一模式重复注册会替换提取函数（幂等），不同模式可以共存。
// 必须在任何网络活动开始前完成注册。
func (i *Interceptor) Register(name, pattern string, fn extract.ExtractorFunc) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for idx := range i.routes {
		if i.routes[idx].pattern.String() == pattern {
			i.routes[idx].name = name
			i.routes[idx].extract = fn
			return nil
		}
	}
	i.routes = append(i.routes, route{name: name, pattern: re, extract: fn})
	return nil
}

// RegisterAll 注册一组路由，遇到非法模式立即返回。
func (i *Interceptor) RegisterAll(routes []extract.Route) error {
	for _, r := range routes {
		if err := i.Register(r.Name, r.Pattern, r.Extract); err != nil {
			return err
		}
	}
	return nil
}

// Routes 返回已注册路由名，按注册顺序。
func (i *Interceptor) Routes() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	names := make([]string, len(i.routes))
	for idx, r := range i.routes {
		names[idx] = r.name
	}
	return names
}

// matches 返回命中 url 的全部路由；多个模式可以同时命中同一地址。
func (i *Interceptor) matches(url string) []route {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var out []route
	for _, r := range i.routes {
		if r.pattern.MatchString(url) {
			out = append(out, r)
		}
	}
	return out
}

// Matches 报告 url 是否命中任一已注册模式。
func (i *Interceptor) Matches(url string) bool {
	return len(i.matches(url)) > 0
}

// Observe 处理一次已完成的调用。非 2xx 响应不转交。返回命中的路由数。
func (i *Interceptor) Observe(url string, status int, body []byte) int {
	routes := i.matches(url)
	if len(routes) == 0 {
		return 0
	}
	if status < 200 || status > 299 {
		i.log.Debug("skip unsuccessful intercepted call", zap.String("url", url), zap.Int("status", status))
		return len(routes)
	}
	for _, r := range routes {
		i.dispatch(r, url, body)
	}
	return len(routes)
}

// dispatch 在本地兜住观察者内的任何 panic，不能传播给调用方或影响后续调用。
func (i *Interceptor) dispatch(r route, url string, body []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			i.log.Error(fmt.Sprintf("Intercept observer for %s failed: %v", r.name, rec), zap.String("url", url))
		}
	}()
	if i.handler != nil {
		i.handler(r.name, body, r.extract)
	}
}
