package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/findanime/internal/config"
	"github.com/John-Robertt/findanime/internal/domain"
	"github.com/John-Robertt/findanime/internal/infra/fsx"
	"github.com/John-Robertt/findanime/internal/render"
	"github.com/John-Robertt/findanime/internal/workflow"
)

// searchReport 是 search 命令的机器可读输出（stdout 非 TTY 时输出，--report 时落盘）。
type searchReport struct {
	Input      string              `json:"input"`
	InputKind  string              `json:"input_kind"`
	Endpoint   string              `json:"endpoint,omitempty"`
	State      domain.State        `json:"state"`
	Outcome    string              `json:"outcome"`
	FrameCount int                 `json:"frame_count,omitempty"`
	Display    render.DisplayModel `json:"display"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

func (r searchReport) ok() bool { return r.Outcome == domain.OutcomeResults.String() }

type searchOptions struct {
	*rootOptions
	reportPath string
	forceJSON  bool
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "search <图片文件|图片URL>",
		Short: "检索一张截图的出处",
		Long: `检索一张截图的出处。参数为 http/https 图片地址时按 URL 提交，否则按本地文件上传
（仅支持 jpeg/png/webp）。

输出契约：stdout 为终端时输出可读文本；否则 stdout 只输出一个 JSON 报告，
过程信息与摘要走 stderr。找到结果退出码为 0，无匹配或失败为 1。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "把 JSON 报告原子写入该路径")
	cmd.Flags().BoolVar(&opts.forceJSON, "json", false, "即使 stdout 是终端也输出 JSON")
	return cmd
}

func (o *searchOptions) run(cmd *cobra.Command, arg string) error {
	started := time.Now().UTC()

	eff, err := o.loadConfig(cmd, "")
	if err != nil {
		rep := reportForError(arg, started, render.DisplayModel{
			Kind:      render.KindError,
			Message:   err.Error(),
			ErrorCode: config.Code(err),
			Cards:     []render.Card{},
		})
		o.emit(rep)
		return &exitError{code: 1}
	}

	logger := newLogger(o.stderr, eff.LogLevel)
	m, err := newMatcher(eff, logger)
	if err != nil {
		return err
	}

	var presenter workflow.Presenter
	progressW, interactive := pickProgressWriter(o.stdout, o.stderr)
	if interactive {
		ui := newTerminalUI(progressW)
		ui.printConfig(eff)
		presenter = ui
	}
	wf := workflow.New(m, presenter, workflow.WithLogger(logger))

	rep := searchReport{Input: arg, Endpoint: eff.Endpoint, StartedAt: started}

	if _, err := selectInput(wf, arg); err != nil {
		rep.InputKind = wf.Snapshot().InputKind.String()
		return o.finish(rep, wf, inputErrorModel(err))
	}
	rep.InputKind = wf.Snapshot().InputKind.String()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out, err := wf.Submit(ctx)
	rep.FrameCount = out.Results.FrameCount
	if err != nil {
		return o.finish(rep, wf, render.ErrorModel(err))
	}
	rep.Outcome = out.Kind.String()
	return o.finish(rep, wf, render.Render(out))
}

// selectInput 按参数形态选择输入：http/https URL 走 SelectURL，其余按本地文件读取。
func selectInput(wf *workflow.Workflow, arg string) (domain.ImageInput, error) {
	if u, ok := domain.ParseImageURL(arg); ok {
		return wf.SelectURL(u)
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return domain.ImageInput{}, fmt.Errorf("读取图片文件失败：%w", err)
	}
	return wf.SelectFile(domain.FileBytes{
		Data:     data,
		MimeType: detectMediaType(arg, data),
		Filename: filepath.Base(arg),
	})
}

// detectMediaType 先按扩展名判断，未知时嗅探内容。
func detectMediaType(path string, data []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
		return domain.NormalizeMediaType(mt)
	}
	return domain.NormalizeMediaType(http.DetectContentType(data))
}

func (o *searchOptions) finish(rep searchReport, wf *workflow.Workflow, dm render.DisplayModel) error {
	rep.State = wf.Snapshot().State
	rep.Display = dm
	if rep.Outcome == "" {
		rep.Outcome = domain.OutcomeFailed.String()
	}
	rep.FinishedAt = time.Now().UTC()

	if o.reportPath != "" {
		if err := writeReportFile(o.reportPath, rep); err != nil {
			fmt.Fprintf(o.stderr, "写入报告失败：%v\n", err)
			o.emit(rep)
			return &exitError{code: 1}
		}
	}

	o.emit(rep)
	if rep.ok() {
		return nil
	}
	return &exitError{code: 1}
}

// errCodeInputUnreadable 表示本地图片文件无法读取（不属于检索流程的错误码）。
const errCodeInputUnreadable = "input_unreadable"

func inputErrorModel(err error) render.DisplayModel {
	if domain.Code(err) != "" {
		return render.ErrorModel(err)
	}
	return render.DisplayModel{
		Kind:      render.KindError,
		Message:   err.Error(),
		ErrorCode: errCodeInputUnreadable,
		Cards:     []render.Card{},
	}
}

func reportForError(arg string, started time.Time, dm render.DisplayModel) searchReport {
	return searchReport{
		Input:      arg,
		InputKind:  domain.InputNone.String(),
		State:      domain.StateIdle,
		Outcome:    domain.OutcomeFailed.String(),
		Display:    dm,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
}

func (o *searchOptions) emit(rep searchReport) {
	if isTTY(o.stdout) && !o.forceJSON {
		writeHuman(o.stdout, rep)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个报告 JSON（摘要走 stderr）。
	enc := json.NewEncoder(o.stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(rep)
	fmt.Fprintln(o.stderr, summaryLine(rep))
}

func summaryLine(rep searchReport) string {
	return fmt.Sprintf("完成：outcome=%s results=%d state=%s", rep.Outcome, len(rep.Display.Cards), rep.State)
}

func writeHuman(w io.Writer, rep searchReport) {
	d := rep.Display
	switch d.Kind {
	case render.KindResults:
		for i, c := range d.Cards {
			fmt.Fprintf(w, "%d. %s  [%s]\n", i+1, c.Title, c.Similarity)
			fmt.Fprintf(w, "   Episode: %s\n", c.Episode)
			fmt.Fprintf(w, "   Time: %s\n", c.TimeRange)
			if c.VideoURL != "" {
				fmt.Fprintf(w, "   Video: %s\n", c.VideoURL)
			}
		}
	case render.KindNoMatches:
		fmt.Fprintln(w, d.Message)
	default:
		if d.ErrorCode != "" {
			fmt.Fprintf(w, "%s: %s\n", d.ErrorCode, d.Message)
		} else {
			fmt.Fprintln(w, d.Message)
		}
	}
}

func writeReportFile(path string, rep searchReport) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(path, b)
}
