package workflow

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/John-Robertt/findanime/internal/domain"
	"github.com/John-Robertt/findanime/internal/render"
)

// Presenter 是 UI 层能力的抽象：工作流只负责发指令，不关心具体的页面/终端结构。
//
// 约束：
// - 方法在工作流内部锁内调用，保证指令顺序与状态迁移一致；实现不得回调 Workflow
// - 实现必须快速返回（不做网络 I/O）
type Presenter interface {
	ShowPreview(src string)
	// ShowLoading(true) 在 I/O 发出前调用；ShowLoading(false) 在每条退出路径上调用。
	ShowLoading(on bool)
	ShowResults(m render.DisplayModel)
	ShowError(msg string)
	Reset()
}

// Matcher 是远端匹配服务的抽象（生产实现见 internal/matcher）。
type Matcher interface {
	Search(ctx context.Context, in domain.ImageInput) (domain.ResultSet, error)
}

// ErrDiscarded 表示请求期间发生了 Reset，本次响应已作废（不会触达 Presenter）。
var ErrDiscarded = errors.New("workflow: 响应已作废（请求期间发生了 reset）")

// Workflow 是“选择图片 -> 预览 -> 提交 -> 展示”的状态机。
//
// 并发策略：同一实例同一时刻最多一个匹配请求；Loading 期间再次 Submit
// 或选择新输入直接拒绝（already_in_progress，经 Presenter 提示），不发请求。Reset 会取消在途请求的 ctx，
// 并通过递增 token 丢弃迟到的响应。
type Workflow struct {
	matcher   Matcher
	presenter Presenter
	log       *slog.Logger

	mu      sync.Mutex
	state   domain.State
	errMsg  string
	input   domain.ImageInput
	preview string
	last    *render.DisplayModel

	token    uint64
	inFlight bool
	cancel   context.CancelFunc
}

type Option func(*Workflow)

func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.log = l
		}
	}
}

func New(m Matcher, p Presenter, opts ...Option) *Workflow {
	w := &Workflow{
		matcher:   m,
		presenter: p,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:     domain.StateIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.presenter == nil {
		w.presenter = nopPresenter{}
	}
	return w
}

// SelectFile 校验媒体类型并生成 data URL 预览。
// 失败时不改变任何已有状态（输入/预览/状态机），只通过 Presenter 报错。
func (w *Workflow) SelectFile(f domain.FileBytes) (domain.ImageInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight {
		return domain.ImageInput{}, w.rejectInFlightLocked()
	}
	if !domain.IsAllowedMediaType(f.MimeType) {
		err := domain.InvalidFileType(f.MimeType)
		w.log.Debug("reject file", "filename", f.Filename, "mime", f.MimeType)
		w.presenter.ShowError(err.Message)
		return domain.ImageInput{}, err
	}

	in := domain.FileInput(f)
	w.selectLocked(in, DataURL(f.MimeType, f.Data))
	return in, nil
}

// SelectURL 只接受 http/https 绝对 URL；预览直接使用该 URL（不预先拉取）。
func (w *Workflow) SelectURL(text string) (domain.ImageInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight {
		return domain.ImageInput{}, w.rejectInFlightLocked()
	}
	u, ok := domain.ParseImageURL(text)
	if !ok {
		err := domain.InvalidURL(text)
		w.log.Debug("reject url", "url", text)
		w.presenter.ShowError(err.Message)
		return domain.ImageInput{}, err
	}

	in := domain.URLInput(u)
	w.selectLocked(in, u)
	return in, nil
}

// rejectInFlightLocked 拒绝 loading 期间的选择或提交：只提示，不改变状态。
func (w *Workflow) rejectInFlightLocked() *domain.SearchError {
	err := domain.AlreadyInProgress()
	w.log.Debug("reject while loading", "token", w.token)
	w.presenter.ShowError(err.Message)
	return err
}

func (w *Workflow) selectLocked(in domain.ImageInput, preview string) {
	w.input = in
	w.preview = preview
	w.errMsg = ""
	w.last = nil
	w.transitionLocked(domain.StatePreviewReady)
	w.presenter.ShowPreview(preview)
}

// Submit 把当前输入提交给匹配服务并阻塞等待结果（honor ctx）。
//
// 返回值：
// - 成功：OutcomeResults 或 OutcomeNoMatches，err=nil
// - 失败：OutcomeFailed 与同一个 *domain.SearchError
// - 请求期间被 Reset：零值 Outcome 与 ErrDiscarded
func (w *Workflow) Submit(ctx context.Context) (domain.Outcome, error) {
	tok, in, sctx, serr := w.begin(ctx)
	if serr != nil {
		return domain.Failed(serr), serr
	}
	defer w.release(tok)

	rs, err := w.matcher.Search(sctx, in)
	return w.complete(tok, rs, err)
}

// Start 同步完成提交前的校验与状态迁移，然后在后台发出请求。
// 返回的 channel 在结果交付（或被作废）且 loading 已关闭后关闭。
// 校验失败时与 Submit 相同：返回 *domain.SearchError，不发请求。
func (w *Workflow) Start(ctx context.Context) (<-chan struct{}, error) {
	tok, in, sctx, serr := w.begin(ctx)
	if serr != nil {
		return nil, serr
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.release(tok)

		rs, err := w.matcher.Search(sctx, in)
		_, _ = w.complete(tok, rs, err)
	}()
	return done, nil
}

// begin 在锁内检查前置条件并切到 Loading；返回本轮 token 与可被 Reset 取消的 ctx。
func (w *Workflow) begin(ctx context.Context) (uint64, domain.ImageInput, context.Context, *domain.SearchError) {
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight {
		return 0, domain.ImageInput{}, nil, w.rejectInFlightLocked()
	}
	if w.input.IsZero() {
		err := domain.NoInputSelected()
		w.presenter.ShowError(err.Message)
		return 0, domain.ImageInput{}, nil, err
	}

	w.token++
	sctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.inFlight = true
	w.errMsg = ""
	w.transitionLocked(domain.StateLoading)
	// 先切到 loading 再发 I/O。
	w.presenter.ShowLoading(true)
	return w.token, w.input, sctx, nil
}

// complete 在锁内解释结果并驱动 Presenter；token 过期则丢弃。
func (w *Workflow) complete(tok uint64, rs domain.ResultSet, err error) (domain.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if tok != w.token {
		w.log.Debug("discard stale response", "token", tok, "current", w.token)
		return domain.Outcome{}, ErrDiscarded
	}

	if err != nil {
		out := domain.Failed(err)
		m := render.Render(out)
		w.last = &m
		w.errMsg = m.Message
		w.transitionLocked(domain.StateError)
		w.log.Warn("search failed", "code", out.Err.Code, "status", out.Err.Status, "err", out.Err)
		w.presenter.ShowError(m.Message)
		return out, out.Err
	}

	out := domain.OutcomeFromResultSet(rs)
	m := render.Render(out)
	w.last = &m
	w.transitionLocked(domain.StateResultsReady)
	w.log.Debug("search done", "outcome", out.Kind.String(), "results", rs.Len(), "frame_count", rs.FrameCount)
	w.presenter.ShowResults(m)
	return out, nil
}

// release 归还“提交中”资源；对每条退出路径（含 panic）都会执行。
func (w *Workflow) release(tok uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if tok != w.token || !w.inFlight {
		// Reset 已经释放过（或已开始新一轮），不能误伤新请求。
		return
	}
	w.inFlight = false
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.state == domain.StateLoading {
		// 只有 panic 路径会走到这里：complete 没有机会迁移状态。
		w.errMsg = "search aborted"
		w.transitionLocked(domain.StateError)
	}
	w.presenter.ShowLoading(false)
}

// Reset 回到 Idle：清空输入与预览，取消在途请求并作废其响应。
func (w *Workflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.token++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.inFlight = false
	w.input = domain.ImageInput{}
	w.preview = ""
	w.errMsg = ""
	w.last = nil
	w.transitionLocked(domain.StateIdle)
	w.presenter.Reset()
}

// Snapshot 是工作流当前状态的只读副本（用于 UI 渲染与测试断言）。
type Snapshot struct {
	State        domain.State
	ErrorMessage string
	Preview      string
	InputKind    domain.InputKind
	InFlight     bool
	Last         *render.DisplayModel
}

func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		State:        w.state,
		ErrorMessage: w.errMsg,
		Preview:      w.preview,
		InputKind:    w.input.Kind(),
		InFlight:     w.inFlight,
	}
	if w.last != nil {
		m := *w.last
		s.Last = &m
	}
	return s
}

func (w *Workflow) transitionLocked(to domain.State) {
	if w.state != to {
		w.log.Debug("state", "from", w.state.String(), "to", to.String())
	}
	w.state = to
}

// DataURL 生成 data:<mime>;base64,<bytes> 形式的预览地址。
func DataURL(mimeType string, data []byte) string {
	mt := domain.NormalizeMediaType(mimeType)
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
}

type nopPresenter struct{}

func (nopPresenter) ShowPreview(string)              {}
func (nopPresenter) ShowLoading(bool)                {}
func (nopPresenter) ShowResults(render.DisplayModel) {}
func (nopPresenter) ShowError(string)                {}
func (nopPresenter) Reset()                          {}
