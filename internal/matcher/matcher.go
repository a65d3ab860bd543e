package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/John-Robertt/findanime/internal/domain"
)

// DefaultEndpoint 是公共的 trace.moe API。
const DefaultEndpoint = "https://api.trace.moe"

// maxBodyBytes 限制读取响应体的大小（正常响应远小于此值）。
const maxBodyBytes = 4 << 20

// Options 描述匹配服务客户端的可选项；零值可用（默认公共端点、不限速）。
type Options struct {
	// Endpoint 是服务的 base URL（不含 /search）。
	Endpoint string
	// APIKey 非空时通过 x-trace-key 头发送。
	APIKey string

	// CutBorders 让服务端裁掉黑边后再匹配。
	CutBorders bool
	// AnilistInfo 让服务端在结果中展开 anilist 详情（标题等）。
	AnilistInfo bool

	// RatePerMinute>0 时启用客户端节流（等待令牌，不是重试）。
	RatePerMinute int

	Logger *slog.Logger
}

// Client 把一次 ImageInput 提交给匹配服务，并把响应解释为 ResultSet 或 *domain.SearchError。
//
// 约束：
// - 每次 Search 恰好发出一次 POST；不缓存、不重试
// - 返回的错误一定是 *domain.SearchError
type Client struct {
	http     *http.Client
	endpoint string
	apiKey   string
	query    string
	limiter  *rate.Limiter
	log      *slog.Logger
}

func New(c *http.Client, opts Options) (*Client, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("endpoint 必须是 http/https 绝对 URL：%q", endpoint)
	}

	// trace.moe 的开关参数是“出现即生效”的裸 key。
	var flags []string
	if opts.CutBorders {
		flags = append(flags, "cutBorders")
	}
	if opts.AnilistInfo {
		flags = append(flags, "anilistInfo")
	}

	var lim *rate.Limiter
	if opts.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		http:     c,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   strings.TrimSpace(opts.APIKey),
		query:    strings.Join(flags, "&"),
		limiter:  lim,
		log:      log,
	}, nil
}

// SearchURL 返回实际请求的完整 URL（含开关参数）。
func (c *Client) SearchURL() string {
	u := c.endpoint + "/search"
	if c.query != "" {
		u += "?" + c.query
	}
	return u
}

// Search 提交图片并解释响应。空结果返回 Len()==0 的 ResultSet（由上层归为 NoMatches）。
func (c *Client) Search(ctx context.Context, in domain.ImageInput) (domain.ResultSet, error) {
	body, contentType, err := buildBody(in)
	if err != nil {
		return domain.ResultSet{}, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.ResultSet{}, domain.NetworkFailure(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SearchURL(), body)
	if err != nil {
		return domain.ResultSet{}, domain.NetworkFailure(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-trace-key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("matcher request failed", "input", in.Kind().String(), "err", err)
		return domain.ResultSet{}, domain.NetworkFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.ResultSet{}, domain.NetworkFailure(err)
	}
	c.log.Debug("matcher response", "status", resp.StatusCode, "bytes", len(raw), "elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ResultSet{}, domain.HTTPFailure(resp.StatusCode, errorMessage(raw))
	}
	return parseResponse(raw)
}

// buildBody 构造 multipart 请求体：文件走 image 字段（二进制），URL 走 url 字段（文本），二者互斥。
func buildBody(in domain.ImageInput) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	switch in.Kind() {
	case domain.InputFile:
		f, _ := in.File()
		name := strings.TrimSpace(f.Filename)
		if name == "" {
			name = "image"
		}
		ct := domain.NormalizeMediaType(f.MimeType)
		if ct == "" || ct == "image/jpg" {
			ct = "image/jpeg"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(name)))
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", domain.NetworkFailure(err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", domain.NetworkFailure(err)
		}
	case domain.InputURL:
		u, _ := in.URL()
		if err := mw.WriteField("url", u); err != nil {
			return nil, "", domain.NetworkFailure(err)
		}
	default:
		return nil, "", domain.NoInputSelected()
	}

	if err := mw.Close(); err != nil {
		return nil, "", domain.NetworkFailure(err)
	}
	return &buf, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// errorMessage 尝试从错误响应体中取出 {"error": "..."}；取不到返回空串（由调用方回退为通用文案）。
func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return ""
	}
	return strings.TrimSpace(e.Error)
}
