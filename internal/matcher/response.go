package matcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/John-Robertt/findanime/internal/domain"
)

type searchResponse struct {
	FrameCount int               `json:"frameCount"`
	Error      string            `json:"error"`
	Result     []json.RawMessage `json:"result"`
}

var errNotObject = errors.New("响应体不是 JSON 对象")

// match 对应 result 数组里的一条。anilist/episode 的类型随参数与数据而变，先保留原始 JSON。
type match struct {
	Anilist    json.RawMessage `json:"anilist"`
	Filename   string          `json:"filename"`
	Episode    json.RawMessage `json:"episode"`
	From       *float64        `json:"from"`
	To         *float64        `json:"to"`
	Similarity float64         `json:"similarity"`
	Video      string          `json:"video"`
	Image      string          `json:"image"`
}

// anilistInfo 是 anilistInfo 开启时的展开形态。
type anilistInfo struct {
	ID    int64 `json:"id"`
	Title struct {
		Native  string `json:"native"`
		Romaji  string `json:"romaji"`
		English string `json:"english"`
	} `json:"title"`
}

// parseResponse 解释 2xx 响应体。
//
// 规则：
// - 整体不是 JSON 对象 => malformed_response
// - result 缺失或为空 => 空 ResultSet（NoMatches）
// - 单条无法解析 => malformed_response（不静默丢弃，避免悄悄改变服务端排序语义）
func parseResponse(raw []byte) (domain.ResultSet, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.ResultSet{}, domain.MalformedResponse(errNotObject)
	}

	var sr searchResponse
	if err := json.Unmarshal(trimmed, &sr); err != nil {
		return domain.ResultSet{}, domain.MalformedResponse(err)
	}
	if len(sr.Result) == 0 {
		return domain.NewResultSet(nil, sr.FrameCount), nil
	}

	// 只解析会被保留的前 MaxResults 条。
	n := len(sr.Result)
	if n > domain.MaxResults {
		n = domain.MaxResults
	}
	results := make([]domain.SearchResult, 0, n)
	for _, item := range sr.Result[:n] {
		var m match
		if err := json.Unmarshal(item, &m); err != nil {
			return domain.ResultSet{}, domain.MalformedResponse(err)
		}
		results = append(results, toSearchResult(m))
	}
	return domain.NewResultSet(results, sr.FrameCount), nil
}

func toSearchResult(m match) domain.SearchResult {
	id, title := parseAnilist(m.Anilist)
	name := strings.TrimSpace(m.Filename)
	if name == "" {
		name = title
	}
	return domain.SearchResult{
		Title:           name,
		EpisodeLabel:    episodeLabel(m.Episode),
		Similarity:      clamp01(m.Similarity),
		StartSeconds:    orNaN(m.From),
		EndSeconds:      orNaN(m.To),
		PreviewVideoURL: strings.TrimSpace(m.Video),
		PreviewImageURL: strings.TrimSpace(m.Image),
		ExternalID:      id,
	}
}

// parseAnilist 兼容两种形态：裸数字 ID，或 anilistInfo 展开后的对象。
func parseAnilist(raw json.RawMessage) (id, title string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), ""
	}
	var info anilistInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", ""
	}
	if info.ID > 0 {
		id = strconv.FormatInt(info.ID, 10)
	}
	for _, t := range []string{info.Title.English, info.Title.Romaji, info.Title.Native} {
		if t = strings.TrimSpace(t); t != "" {
			title = t
			break
		}
	}
	return id, title
}

// episodeLabel 把 episode（数字/字符串/数组/null）转换为展示值；缺失或 0 为 "Unknown"。
func episodeLabel(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return domain.UnknownEpisode
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		f, ferr := n.Float64()
		if ferr != nil || f == 0 {
			return domain.UnknownEpisode
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return domain.UnknownEpisode
	}

	// 数组：同一文件对应多集（例如合集），按原顺序拼接。
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		parts := make([]string, 0, len(arr))
		for _, a := range arr {
			if l := episodeLabel(a); l != domain.UnknownEpisode {
				parts = append(parts, l)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " | ")
		}
	}
	return domain.UnknownEpisode
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
