package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/findanime/internal/config"
	"github.com/John-Robertt/findanime/internal/infra/httpx"
	"github.com/John-Robertt/findanime/internal/matcher"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// exitError 让子命令携带退出码返回（例如“无匹配”返回 1，但不是程序错误）。
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "错误：%v\n", err)
		return 2
	}
	return 0
}

// rootOptions 是所有子命令共享的全局参数。
type rootOptions struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	endpoint   string
	proxy      string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "findanime",
		Short: "根据截图查找动画出处（集数与时间点）",
		Long: `findanime 把一张截图（本地文件或图片 URL）提交给 trace.moe 兼容的检索服务，
展示最相近的至多 5 条结果：标题、集数、相似度与时间区间。

配置优先级：命令行 > 环境变量 FINDANIME_*（含 ./.env）> findanime.json|yaml > 默认值。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "配置文件路径（默认在当前目录查找 findanime.json/findanime.yaml）")
	pf.StringVar(&opts.endpoint, "endpoint", "", "检索服务 base URL（默认 "+config.DefaultEndpoint+"）")
	pf.StringVar(&opts.proxy, "proxy", "", "HTTP 代理，例如 http://127.0.0.1:7890；--proxy= 可清空配置中的代理")
	pf.StringVar(&opts.logLevel, "log-level", "", "日志级别：debug|info|warn|error")

	root.AddCommand(newSearchCmd(opts))
	root.AddCommand(newServeCmd(opts))
	return root
}

// loadConfig 合并配置；只有显式给出的 flag 才参与覆盖。
func (o *rootOptions) loadConfig(cmd *cobra.Command, listen string) (config.EffectiveConfig, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.EffectiveConfig{}, fmt.Errorf("读取当前目录失败：%w", err)
	}
	flags := cmd.Flags()
	return config.LoadEffective(cwd, os.Environ(), config.CLIArgs{
		ConfigPath:  o.configPath,
		Endpoint:    o.endpoint,
		EndpointSet: flags.Changed("endpoint"),
		ProxyURL:    o.proxy,
		ProxyURLSet: flags.Changed("proxy"),
		Listen:      listen,
		ListenSet:   flags.Lookup("listen") != nil && flags.Changed("listen"),
		LogLevel:    o.logLevel,
		LogLevelSet: flags.Changed("log-level"),
	})
}

// newLogger 日志统一写 stderr；非终端时关闭颜色。
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTTY(w),
	}))
}

func newMatcher(eff config.EffectiveConfig, logger *slog.Logger) (*matcher.Client, error) {
	hc, err := httpx.NewClient(httpx.Options{
		ProxyURL: eff.ProxyURL,
		Timeout:  eff.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return matcher.New(hc, matcher.Options{
		Endpoint:      eff.Endpoint,
		APIKey:        eff.APIKey,
		CutBorders:    eff.CutBorders,
		AnilistInfo:   eff.AnilistInfo,
		RatePerMinute: eff.RatePerMinute,
		Logger:        logger,
	})
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// pickProgressWriter 只在交互终端启用过程输出；默认走 stderr（不污染 stdout JSON）。
func pickProgressWriter(stdout, stderr io.Writer) (io.Writer, bool) {
	if isTTY(stderr) {
		return stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(stdout) {
		return stdout, true
	}
	return nil, false
}
