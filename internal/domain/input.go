package domain

import (
	"mime"
	"net/url"
	"strings"
)

// InputKind 标记 ImageInput 当前承载的是哪一种输入源。
type InputKind int

const (
	InputNone InputKind = iota
	InputFile
	InputURL
)

func (k InputKind) String() string {
	switch k {
	case InputFile:
		return "file"
	case InputURL:
		return "url"
	default:
		return "none"
	}
}

// FileBytes 是用户选择/拖入的本地文件（字节 + 声明的媒体类型 + 文件名）。
type FileBytes struct {
	Data     []byte
	MimeType string
	Filename string
}

// ImageInput 是二选一的输入：本地文件 或 远程 URL。
//
// 约束：
// - 同一时刻只有一种输入生效（构造函数保证，字段不对外暴露）
// - 零值表示“未选择输入”
type ImageInput struct {
	kind InputKind
	file FileBytes
	url  string
}

func FileInput(f FileBytes) ImageInput {
	return ImageInput{kind: InputFile, file: f}
}

func URLInput(u string) ImageInput {
	return ImageInput{kind: InputURL, url: u}
}

func (in ImageInput) Kind() InputKind { return in.kind }

func (in ImageInput) IsZero() bool { return in.kind == InputNone }

func (in ImageInput) File() (FileBytes, bool) {
	if in.kind != InputFile {
		return FileBytes{}, false
	}
	return in.file, true
}

func (in ImageInput) URL() (string, bool) {
	if in.kind != InputURL {
		return "", false
	}
	return in.url, true
}

// allowedMediaTypes 是本地文件的媒体类型白名单。
// image/jpg 不是标准写法，但部分浏览器/系统会这样声明，这里一并接受。
var allowedMediaTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/webp": {},
}

// NormalizeMediaType 去掉参数（例如 "; charset=binary"）并转小写。
// 无法解析时返回去空白后的小写原值。
func NormalizeMediaType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(mt)
}

// IsAllowedMediaType 判断声明的媒体类型是否在白名单内。
func IsAllowedMediaType(s string) bool {
	_, ok := allowedMediaTypes[NormalizeMediaType(s)]
	return ok
}

// ParseImageURL 只接受带 host 的绝对 http/https URL，返回去空白后的原串。
func ParseImageURL(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	u, err := url.Parse(text)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", false
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", false
	}
	return text, true
}
