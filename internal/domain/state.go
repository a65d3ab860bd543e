package domain

// State 决定 UI 上哪些区域可见；不持久化。
type State int

const (
	StateIdle State = iota
	StatePreviewReady
	StateLoading
	StateResultsReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewReady:
		return "preview_ready"
	case StateLoading:
		return "loading"
	case StateResultsReady:
		return "results_ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
