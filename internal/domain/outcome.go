package domain

// OutcomeKind 区分一次提交的三种结局。
type OutcomeKind int

const (
	OutcomeResults OutcomeKind = iota
	OutcomeNoMatches
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResults:
		return "results"
	case OutcomeNoMatches:
		return "no_matches"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome 是 render 的输入：ResultSet / NoMatches / SearchError 三选一。
// NoMatches 是合法的空结果，不是错误。
type Outcome struct {
	Kind    OutcomeKind
	Results ResultSet
	Err     *SearchError
}

// OutcomeFromResultSet 把空结果归为 NoMatches。
func OutcomeFromResultSet(rs ResultSet) Outcome {
	if rs.Len() == 0 {
		return Outcome{Kind: OutcomeNoMatches, Results: rs}
	}
	return Outcome{Kind: OutcomeResults, Results: rs}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: AsSearchError(err)}
}
