package intercept

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// Transport 包装 next，给命中的请求挂一个完成观察者。
// 响应体以流式 tee 的方式透传给调用方：调用方读到 EOF 时才把完整内容交给 Observe，
// 提前 Close 的响应视为未完成，不做任何处理。
func (i *Interceptor) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{next: next, interceptor: i}
}

type transport struct {
	next        http.RoundTripper
	interceptor *Interceptor
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	if !t.interceptor.Matches(url) {
		return t.next.RoundTrip(req)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil || resp == nil || resp.Body == nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	resp.Body = &observedBody{
		ReadCloser: resp.Body,
		onComplete: func(body []byte) {
			t.interceptor.Observe(url, resp.StatusCode, body)
		},
	}
	return resp, nil
}

type observedBody struct {
	io.ReadCloser
	buf        bytes.Buffer
	once       sync.Once
	onComplete func([]byte)
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.buf.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		b.once.Do(func() {
			b.onComplete(b.buf.Bytes())
		})
	}
	return n, err
}
