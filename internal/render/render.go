package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/John-Robertt/findanime/internal/domain"
)

const (
	KindResults   = "results"
	KindNoMatches = "no_matches"
	KindError     = "error"
)

const (
	// UnknownTitle 是缺失标题时的展示值。
	UnknownTitle = "Unknown Anime"
	// NoMatchesMessage 是空结果的提示文案。
	NoMatchesMessage = "No anime found for this image."
	// searchFailedPrefix 用于远端查询失败（网络/HTTP/响应格式）的提示前缀。
	searchFailedPrefix = "Failed to search for anime: "
)

// DisplayModel 是 UI 层直接消费的展示模型（JSON 输出同样使用该结构）。
type DisplayModel struct {
	Kind      string `json:"kind"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Status    int    `json:"status,omitempty"`
	Cards     []Card `json:"cards"`
}

// Card 是一条结果的展示形态（全部已格式化为字符串）。
type Card struct {
	Title      string `json:"title"`
	Similarity string `json:"similarity"` // 例如 "87.3% match"
	Episode    string `json:"episode"`
	From       string `json:"from"`
	To         string `json:"to"`
	TimeRange  string `json:"time_range"` // 例如 "00:12 - 00:18"
	VideoURL   string `json:"video_url,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Render 把一次提交的结局转换为展示模型。纯函数：不做任何 I/O。
func Render(o domain.Outcome) DisplayModel {
	switch o.Kind {
	case domain.OutcomeResults:
		if o.Results.Len() == 0 {
			return noMatches()
		}
		cards := make([]Card, 0, o.Results.Len())
		for _, r := range o.Results.Results {
			cards = append(cards, renderCard(r))
		}
		return DisplayModel{Kind: KindResults, Cards: cards}
	case domain.OutcomeNoMatches:
		return noMatches()
	default:
		return renderError(o.Err)
	}
}

// ErrorModel 是 Render(domain.Failed(err)) 的便捷写法。
func ErrorModel(err error) DisplayModel {
	return renderError(domain.AsSearchError(err))
}

func noMatches() DisplayModel {
	return DisplayModel{Kind: KindNoMatches, Message: NoMatchesMessage, Cards: []Card{}}
}

func renderError(e *domain.SearchError) DisplayModel {
	if e == nil {
		e = domain.NetworkFailure(nil)
	}
	msg := strings.TrimSpace(e.Message)
	switch e.Code {
	case domain.ErrCodeNetworkFailure, domain.ErrCodeHTTP, domain.ErrCodeMalformedResponse:
		// 远端查询类失败统一加前缀，便于用户区分“输入问题”和“服务问题”。
		msg = searchFailedPrefix + e.Error()
	}
	if msg == "" {
		msg = e.Error()
	}
	return DisplayModel{
		Kind:      KindError,
		Message:   msg,
		ErrorCode: e.Code,
		Status:    e.Status,
		Cards:     []Card{},
	}
}

func renderCard(r domain.SearchResult) Card {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = UnknownTitle
	}
	ep := strings.TrimSpace(r.EpisodeLabel)
	if ep == "" {
		ep = domain.UnknownEpisode
	}
	from := FormatTime(r.StartSeconds)
	to := FormatTime(r.EndSeconds)
	return Card{
		Title:      title,
		Similarity: FormatSimilarity(r.Similarity) + " match",
		Episode:    ep,
		From:       from,
		To:         to,
		TimeRange:  from + " - " + to,
		VideoURL:   strings.TrimSpace(r.PreviewVideoURL),
		ImageURL:   strings.TrimSpace(r.PreviewImageURL),
		ExternalID: strings.TrimSpace(r.ExternalID),
	}
}

// maxTimeSeconds 是可格式化的最大秒数；更大的值来自异常响应。
const maxTimeSeconds = math.MaxInt32

// FormatTime 把秒数格式化为 MM:SS（向下取整，两段都补零到 2 位；分钟不按小时折返）。
// NaN/Inf/负数以及超过 maxTimeSeconds 的值视为缺失，输出 00:00。
func FormatTime(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 || seconds > maxTimeSeconds {
		return "00:00"
	}
	total := int64(math.Floor(seconds))
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// FormatSimilarity 把 [0,1] 的相似度格式化为一位小数的百分比（四舍五入，半数向上）。
func FormatSimilarity(similarity float64) string {
	if math.IsNaN(similarity) || math.IsInf(similarity, 0) {
		similarity = 0
	}
	// 1e-9 吸收 0.8735*1000 这类浮点表示误差，保证“半数向上”。
	v := math.Floor(similarity*1000+0.5+1e-9) / 10
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}
