package webui

import (
	"sync"

	"github.com/John-Robertt/findanime/internal/render"
)

// Regions 是页面各区域的可见内容；模板只读这份快照，不读 Workflow 内部状态。
type Regions struct {
	Preview string
	Loading bool
	Results *render.DisplayModel
	Error   string
}

// pagePresenter 把 Workflow 的指令落到区域状态上，由下一次 GET / 渲染出来。
type pagePresenter struct {
	mu sync.Mutex
	r  Regions
}

func (p *pagePresenter) ShowPreview(src string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r.Preview = src
	p.r.Results = nil
	p.r.Error = ""
}

func (p *pagePresenter) ShowLoading(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r.Loading = on
	if on {
		p.r.Results = nil
		p.r.Error = ""
	}
}

func (p *pagePresenter) ShowResults(m render.DisplayModel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r.Results = &m
	p.r.Error = ""
}

func (p *pagePresenter) ShowError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r.Error = msg
}

func (p *pagePresenter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r = Regions{}
}

func (p *pagePresenter) Regions() Regions {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.r
	if p.r.Results != nil {
		m := *p.r.Results
		out.Results = &m
	}
	return out
}
