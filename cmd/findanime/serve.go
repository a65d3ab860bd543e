package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/findanime/internal/config"
	"github.com/John-Robertt/findanime/internal/webui"
)

type serveOptions struct {
	*rootOptions
	listen string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 Web 界面（上传截图或粘贴图片 URL 检索）",
		Long: `启动本地 Web 界面。每个浏览器会话独立维护“选择 -> 预览 -> 检索 -> 结果”的状态，
同一会话同一时刻只允许一个检索请求。Ctrl+C 优雅退出。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "监听地址（默认 "+config.DefaultListen+"）")
	return cmd
}

func (o *serveOptions) run(cmd *cobra.Command) error {
	eff, err := o.loadConfig(cmd, o.listen)
	if err != nil {
		return err
	}
	logger := newLogger(o.stderr, eff.LogLevel)

	m, err := newMatcher(eff, logger)
	if err != nil {
		return err
	}

	cfg := webui.DefaultServerConfig()
	cfg.Addr = eff.Listen
	cfg.MaxUploadBytes = eff.MaxUploadBytes
	srv, err := webui.NewServer(cfg, m, logger)
	if err != nil {
		return err
	}
	if _, err := srv.Listen(); err != nil {
		return err
	}
	logger.Info("配置已生效", "endpoint", eff.Endpoint, "proxy", formatProxy(eff.ProxyURL), "config", eff.Source)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, srv)
}

// serve 同时运行 HTTP 服务与会话回收；ctx 结束或任一方出错时整体关停。
func serve(ctx context.Context, srv *webui.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error { return srv.SweepSessions(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown()
	})
	return g.Wait()
}
