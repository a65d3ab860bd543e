package webui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/findanime/internal/workflow"
)

// ServerConfig 是 Web 界面的服务参数。
type ServerConfig struct {
	Addr            string
	MaxUploadBytes  int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// SessionTTL 是会话最长空闲时间；SweepInterval 是回收检查间隔。
	SessionTTL    time.Duration
	SweepInterval time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "localhost:8080",
		MaxUploadBytes:  25 << 20,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		SessionTTL:      30 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// Server 是 findanime 的 Web 界面：每个浏览器会话一个 Workflow，页面按区域渲染。
type Server struct {
	cfg       ServerConfig
	templates *templateManager
	sessions  *sessionStore
	log       *slog.Logger

	// ctx 是后台匹配请求的父 ctx；关停时取消，避免请求悬挂。
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(cfg ServerConfig, m workflow.Matcher, logger *slog.Logger) (*Server, error) {
	if m == nil {
		return nil, errors.New("matcher 不能为空")
	}
	def := DefaultServerConfig()
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tm, err := newTemplateManager()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		templates: tm,
		sessions:  newSessionStore(m, cfg.SessionTTL, logger),
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Handler 返回完整路由（含请求日志中间件），测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /select/file", s.handleSelectFile)
	mux.HandleFunc("POST /select/url", s.handleSelectURL)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.loggingMiddleware(mux)
}

// Listen 绑定监听地址；与 Serve 分开是为了让调用方在启动前拿到真实地址（例如 :0）。
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败：%w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve 阻塞直到服务关闭；正常关闭返回 nil。
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.httpServer, s.listener
	s.mu.Unlock()
	if srv == nil || ln == nil {
		return errors.New("webui: 必须先调用 Listen 再调用 Serve")
	}

	s.log.Info("web 界面已启动", "addr", "http://"+ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SweepSessions 周期性回收过期会话，直到 ctx 结束。
func (s *Server) SweepSessions(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.sessions.sweep()
		}
	}
}

// Shutdown 取消所有在途匹配请求并优雅关闭 HTTP 服务。
func (s *Server) Shutdown() error {
	s.cancel()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.log.Info("正在关闭 web 界面")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败：%w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}
