package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultUserAgent = "findanime/1.0 (+https://github.com/John-Robertt/findanime)"
)

// Transport 把“UA + 代理 + keep-alive 策略 + 请求日志”固化为统一策略。
//
// 约束：Transport 不做任何重试（匹配服务的 POST 不可重放，失败由用户手动重新提交）。
type Transport struct {
	Base *http.Transport

	UserAgent string

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool

	Logger *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// Clone 会复制 Header 等，避免在 RoundTripper 内部“污染”调用方的 request。
	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		ua := t.UserAgent
		if ua == "" {
			ua = defaultUserAgent
		}
		r.Header.Set("User-Agent", ua)
	}
	if t.DisableKeepAlives {
		r.Close = true
	}

	started := time.Now()
	resp, err := t.Base.RoundTrip(r)
	if t.Logger != nil {
		// 只记录 scheme+host+path：query 里可能带 key。
		target := r.URL.Scheme + "://" + r.URL.Host + r.URL.Path
		if err != nil {
			t.Logger.Debug("http request failed", "method", r.Method, "url", target, "elapsed", time.Since(started), "err", err)
		} else {
			t.Logger.Debug("http request", "method", r.Method, "url", target, "status", resp.StatusCode, "elapsed", time.Since(started))
		}
	}
	return resp, err
}

// Options 描述 NewClient 的可选项；零值可用。
type Options struct {
	ProxyURL  string
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// NewClient 构造访问匹配服务用的 HTTP client。
//
// 规则：
// - ProxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - Timeout<=0 时使用默认总超时
func NewClient(opts Options) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	disableKeepAlives := false
	proxyURL := strings.TrimSpace(opts.ProxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy url 必须包含 scheme 与 host")
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	tr := &Transport{
		Base:              base,
		UserAgent:         strings.TrimSpace(opts.UserAgent),
		DisableKeepAlives: disableKeepAlives,
		Logger:            opts.Logger,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}
