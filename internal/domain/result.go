package domain

// MaxResults 是一次查询最多保留的结果条数（按服务端顺序截断，不做客户端重排）。
const MaxResults = 5

// UnknownEpisode 是缺失集数时的展示值。
const UnknownEpisode = "Unknown"

// SearchResult 是匹配服务返回的一条场景匹配（构造后不再修改）。
//
// 约束：
// - StartSeconds/EndSeconds 缺失时为 NaN（由 render 统一格式化为 00:00），因此不直接做 JSON 输出
// - PreviewVideoURL/PreviewImageURL/ExternalID 为空串表示缺失
type SearchResult struct {
	Title        string
	EpisodeLabel string
	Similarity   float64

	StartSeconds float64
	EndSeconds   float64

	PreviewVideoURL string
	PreviewImageURL string
	ExternalID      string
}

// ResultSet 是一次查询的有序结果（已截断）。
type ResultSet struct {
	Results []SearchResult

	// FrameCount 是服务端本次检索比对的帧数，仅用于诊断输出。
	FrameCount int
}

func (rs ResultSet) Len() int { return len(rs.Results) }

// NewResultSet 按服务端顺序截断到 MaxResults，并复制底层数组（避免调用方后续修改影响结果）。
func NewResultSet(results []SearchResult, frameCount int) ResultSet {
	n := len(results)
	if n > MaxResults {
		n = MaxResults
	}
	out := make([]SearchResult, n)
	copy(out, results[:n])
	return ResultSet{Results: out, FrameCount: frameCount}
}
