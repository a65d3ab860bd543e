package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/findanime/internal/config"
	"github.com/John-Robertt/findanime/internal/render"
	"github.com/John-Robertt/findanime/internal/workflow"
)

var _ workflow.Presenter = (*terminalUI)(nil)

// terminalUI 是交互终端下的 Presenter。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 指令驱动：Workflow 只发指令，CLI 决定如何展示
// - keepalive：检索迟迟未返回时定期输出一行，降低等待焦虑
type terminalUI struct {
	w io.Writer

	mu          sync.Mutex
	loadingAt   time.Time
	lastPrinted time.Time

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh chan struct{}
}

func newTerminalUI(w io.Writer) *terminalUI {
	return &terminalUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *terminalUI) printConfig(eff config.EffectiveConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	fmt.Fprintf(p.w, "[%s] findanime search\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.Source != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.Source)
	}
	fmt.Fprintf(p.w, "  endpoint: %s\n", truncate(eff.Endpoint, 120))
	fmt.Fprintf(p.w, "  api_key: %s\n", onOff(eff.APIKey != ""))
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	fmt.Fprintf(p.w, "  timeout: %s\n", eff.Timeout)
	fmt.Fprintf(p.w, "  cut_borders: %s  anilist_info: %s\n", onOff(eff.CutBorders), onOff(eff.AnilistInfo))
	fmt.Fprintln(p.w)
	p.lastPrinted = now
}

func (p *terminalUI) ShowPreview(src string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "已选择：%s\n", describePreview(src))
	p.lastPrinted = time.Now()
}

func (p *terminalUI) ShowLoading(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if on {
		p.loadingAt = now
		fmt.Fprintln(p.w, "检索中…")
		p.lastPrinted = now
		p.startTickerLocked()
		return
	}

	p.stopTickerLocked()
	if !p.loadingAt.IsZero() {
		fmt.Fprintf(p.w, "检索结束 (%s)\n", formatShortDuration(now.Sub(p.loadingAt)))
		p.loadingAt = time.Time{}
	}
	p.lastPrinted = now
}

func (p *terminalUI) ShowResults(m render.DisplayModel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Kind == render.KindNoMatches {
		fmt.Fprintf(p.w, "结果：%s\n", m.Message)
	} else {
		fmt.Fprintf(p.w, "结果：%d 条\n", len(m.Cards))
	}
	p.lastPrinted = time.Now()
}

func (p *terminalUI) ShowError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "错误：%s\n", truncate(msg, 200))
	p.lastPrinted = time.Now()
}

func (p *terminalUI) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
	p.loadingAt = time.Time{}
}

func (p *terminalUI) startTickerLocked() {
	p.stopTickerLocked()
	stop := make(chan struct{})
	p.stopCh = stop

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				// stop 已关闭（ShowLoading(false) 与本次 tick 竞争）：不再输出。
				select {
				case <-stop:
					p.mu.Unlock()
					return
				default:
				}
				if time.Since(p.lastPrinted) > threshold {
					fmt.Fprintf(p.w, "仍在检索：elapsed=%s\n", formatElapsed(time.Since(p.loadingAt)))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *terminalUI) stopTickerLocked() {
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
}

// describePreview 把预览地址缩写成一行：data URL 只显示类型与大小。
func describePreview(src string) string {
	if rest, ok := strings.CutPrefix(src, "data:"); ok {
		mt, payload, _ := strings.Cut(rest, ";base64,")
		return fmt.Sprintf("%s (%d bytes)", mt, len(payload)*3/4)
	}
	return truncate(src, 160)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
