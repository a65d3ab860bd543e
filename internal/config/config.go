package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	env "github.com/netflix/go-env"
	"gopkg.in/yaml.v3"
)

const (
	// ErrCodeNotFound 表示显式指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件/环境变量无法读取、解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	DefaultEndpoint       = "https://api.trace.moe"
	DefaultTimeout        = 20 * time.Second
	DefaultRatePerMinute  = 60
	DefaultMaxUploadBytes = 25 << 20
	DefaultListen         = "localhost:8080"
	DefaultLogLevel       = "info"
)

// 自动发现的文件名，按顺序取第一个存在的。
var discoverNames = []string{"findanime.json", "findanime.yaml", "findanime.yml"}

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息，
// 保证 --flag 可以覆盖文件/环境变量中的同名值（包括覆盖为空）。
type CLIArgs struct {
	// ConfigPath 非空时只读取该文件（必须存在）；为空时在 cwd 下自动发现（可选）。
	ConfigPath string

	Endpoint    string
	EndpointSet bool

	ProxyURL    string
	ProxyURLSet bool

	Listen    string
	ListenSet bool

	LogLevel    string
	LogLevelSet bool
}

// FileConfig 对应 findanime.json / findanime.yaml 的解析结构。
type FileConfig struct {
	Endpoint       string       `json:"endpoint" yaml:"endpoint"`
	APIKey         string       `json:"api_key" yaml:"api_key"`
	Proxy          *ProxyConfig `json:"proxy" yaml:"proxy"`
	Timeout        string       `json:"timeout" yaml:"timeout"`
	RatePerMinute  *int         `json:"rate_per_minute" yaml:"rate_per_minute"`
	CutBorders     *bool        `json:"cut_borders" yaml:"cut_borders"`
	AnilistInfo    *bool        `json:"anilist_info" yaml:"anilist_info"`
	MaxUploadBytes int64        `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	Listen         string       `json:"listen" yaml:"listen"`
	LogLevel       string       `json:"log_level" yaml:"log_level"`
}

type ProxyConfig struct {
	URL string `json:"url" yaml:"url"`
}

// envConfig 是 FINDANIME_* 环境变量的映射。全部按字符串读取：空串即“未设置”。
type envConfig struct {
	Endpoint       string `env:"FINDANIME_ENDPOINT"`
	APIKey         string `env:"FINDANIME_API_KEY"`
	ProxyURL       string `env:"FINDANIME_PROXY_URL"`
	Timeout        string `env:"FINDANIME_TIMEOUT"`
	RatePerMinute  string `env:"FINDANIME_RATE_PER_MINUTE"`
	CutBorders     string `env:"FINDANIME_CUT_BORDERS"`
	AnilistInfo    string `env:"FINDANIME_ANILIST_INFO"`
	MaxUploadBytes string `env:"FINDANIME_MAX_UPLOAD_BYTES"`
	Listen         string `env:"FINDANIME_LISTEN"`
	LogLevel       string `env:"FINDANIME_LOG_LEVEL"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// Source 是实际读取的配置文件路径；没有配置文件时为空。
	Source string

	Endpoint string
	APIKey   string
	ProxyURL string
	Timeout  time.Duration

	RatePerMinute int
	CutBorders    bool
	AnilistInfo   bool

	MaxUploadBytes int64
	Listen         string
	LogLevel       slog.Level
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		where := e.Path
		if where == "" {
			where = "环境变量/命令行"
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：%s 无效：%v", e.Code, where, e.Err)
		}
		return fmt.Sprintf("%s：%s 无效", e.Code, where)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件与环境变量，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：只读取该文件（相对 cwd），不存在即 config_not_found
// 2) 否则在 cwd 下按 findanime.json > findanime.yaml > findanime.yml 取第一个（可选）
// 3) <cwd>/.env（可选）提供环境变量的兜底值；进程环境变量优先
//
// 覆盖优先级（固定）：CLI > 环境变量 > 配置文件 > 默认值。
func LoadEffective(cwd string, environ []string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	fc, cfgPath, err := loadFile(cwdAbs, cli.ConfigPath)
	if err != nil {
		return EffectiveConfig{}, err
	}

	ec, err := loadEnv(cwdAbs, environ)
	if err != nil {
		return EffectiveConfig{}, err
	}

	eff, err := merge(fc, ec, cli)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = cfgPath
		}
		return EffectiveConfig{}, err
	}
	eff.Source = cfgPath
	return eff, nil
}

func loadFile(cwdAbs, explicit string) (FileConfig, string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		path := absCleanFrom(cwdAbs, p)
		fc, exists, err := readFileConfig(path)
		if err != nil {
			return FileConfig{}, path, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
		}
		if !exists {
			return FileConfig{}, path, &Error{Code: ErrCodeNotFound, Path: path, Err: os.ErrNotExist}
		}
		return fc, path, nil
	}

	for _, name := range discoverNames {
		path := filepath.Join(cwdAbs, name)
		fc, exists, err := readFileConfig(path)
		if err != nil {
			return FileConfig{}, path, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
		}
		if exists {
			return fc, path, nil
		}
	}
	return FileConfig{}, "", nil
}

// loadEnv 合并 .env 与进程环境变量（后者优先），再解码到 envConfig。
func loadEnv(cwdAbs string, environ []string) (envConfig, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return envConfig{}, &Error{Code: ErrCodeInvalid, Err: err}
	}

	dotenv := filepath.Join(cwdAbs, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		vals, err := godotenv.Read(dotenv)
		if err != nil {
			return envConfig{}, &Error{Code: ErrCodeInvalid, Path: dotenv, Err: err}
		}
		for k, v := range vals {
			if _, ok := es[k]; !ok {
				es[k] = v
			}
		}
	}

	var ec envConfig
	if err := env.Unmarshal(es, &ec); err != nil {
		return envConfig{}, &Error{Code: ErrCodeInvalid, Err: err}
	}
	return ec, nil
}

func merge(fc FileConfig, ec envConfig, cli CLIArgs) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Err: fmt.Errorf(format, args...)}
	}

	eff := EffectiveConfig{
		Endpoint:       DefaultEndpoint,
		Timeout:        DefaultTimeout,
		RatePerMinute:  DefaultRatePerMinute,
		MaxUploadBytes: DefaultMaxUploadBytes,
		Listen:         DefaultListen,
	}

	// endpoint：CLI > env > file > 默认
	eff.Endpoint = pick(eff.Endpoint, fc.Endpoint, ec.Endpoint)
	if cli.EndpointSet {
		eff.Endpoint = strings.TrimSpace(cli.Endpoint)
	}
	if err := validateHTTPURL(eff.Endpoint); err != nil {
		return EffectiveConfig{}, invalid("endpoint 无效：%w", err)
	}
	eff.Endpoint = strings.TrimRight(eff.Endpoint, "/")

	eff.APIKey = pick("", fc.APIKey, ec.APIKey)

	fileProxy := ""
	if fc.Proxy != nil {
		fileProxy = fc.Proxy.URL
	}
	eff.ProxyURL = pick("", fileProxy, ec.ProxyURL)
	if cli.ProxyURLSet {
		eff.ProxyURL = strings.TrimSpace(cli.ProxyURL)
	}
	if eff.ProxyURL != "" {
		u, err := url.Parse(eff.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, invalid("proxy.url 无效：%q", eff.ProxyURL)
		}
	}

	if s := pick("", fc.Timeout, ec.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return EffectiveConfig{}, invalid("timeout 必须是正的时长（例如 20s），实际是 %q", s)
		}
		eff.Timeout = d
	}

	if fc.RatePerMinute != nil {
		eff.RatePerMinute = *fc.RatePerMinute
	}
	if s := strings.TrimSpace(ec.RatePerMinute); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return EffectiveConfig{}, invalid("FINDANIME_RATE_PER_MINUTE 不是整数：%q", s)
		}
		eff.RatePerMinute = n
	}
	// 0 表示不限速。
	if eff.RatePerMinute < 0 {
		return EffectiveConfig{}, invalid("rate_per_minute 不能为负数：%d", eff.RatePerMinute)
	}

	var err error
	if eff.CutBorders, err = pickBool(fc.CutBorders, ec.CutBorders, "FINDANIME_CUT_BORDERS"); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.AnilistInfo, err = pickBool(fc.AnilistInfo, ec.AnilistInfo, "FINDANIME_ANILIST_INFO"); err != nil {
		return EffectiveConfig{}, err
	}

	if fc.MaxUploadBytes != 0 {
		eff.MaxUploadBytes = fc.MaxUploadBytes
	}
	if s := strings.TrimSpace(ec.MaxUploadBytes); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return EffectiveConfig{}, invalid("FINDANIME_MAX_UPLOAD_BYTES 不是整数：%q", s)
		}
		eff.MaxUploadBytes = n
	}
	if eff.MaxUploadBytes <= 0 {
		return EffectiveConfig{}, invalid("max_upload_bytes 必须为正数：%d", eff.MaxUploadBytes)
	}

	eff.Listen = pick(eff.Listen, fc.Listen, ec.Listen)
	if cli.ListenSet {
		eff.Listen = strings.TrimSpace(cli.Listen)
	}
	if _, _, err := net.SplitHostPort(eff.Listen); err != nil {
		return EffectiveConfig{}, invalid("listen 必须是 host:port：%q", eff.Listen)
	}

	level := pick(DefaultLogLevel, fc.LogLevel, ec.LogLevel)
	if cli.LogLevelSet {
		level = cli.LogLevel
	}
	if eff.LogLevel, err = ParseLogLevel(level); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: err}
	}

	return eff, nil
}

// ParseLogLevel 接受 debug/info/warn/error（大小写不敏感）。
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level 只能是 debug/info/warn/error，实际是 %q", s)
	}
	return l, nil
}

// pick 返回最后一个非空值（参数按优先级从低到高排列）。
func pick(def string, vals ...string) string {
	out := def
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = v
		}
	}
	return out
}

func pickBool(file *bool, envVal, envName string) (bool, error) {
	out := false
	if file != nil {
		out = *file
	}
	if s := strings.TrimSpace(envVal); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("%s 不是布尔值：%q", envName, s)}
		}
		out = b
	}
	return out, nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("必须是 http/https 绝对 URL：%q", s)
	}
	return nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析配置文件（.yaml/.yml 走 YAML，其余按 JSON）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = json.Unmarshal(b, &fc)
	}
	if err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
