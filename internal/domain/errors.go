package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ErrCodeInvalidFileType   = "invalid_file_type"
	ErrCodeInvalidURL        = "invalid_url"
	ErrCodeNoInputSelected   = "no_input_selected"
	ErrCodeAlreadyInProgress = "already_in_progress"
	ErrCodeNetworkFailure    = "network_failure"
	ErrCodeHTTP              = "http_error"
	ErrCodeMalformedResponse = "malformed_response"
)

// SearchError 是工作流边界上的结构化错误（带 error_code）。
//
// Message 是可直接展示给用户的文案；Err 保留底层原因（可能为 nil）。
type SearchError struct {
	Code    string
	Status  int // 仅 http_error 有意义
	Message string
	Err     error
}

func (e *SearchError) Error() string {
	if e == nil {
		return "search error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil && e.Code == ErrCodeNetworkFailure {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SearchError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrNoInputSelected) 这类按 code 比较的写法成立。
func (e *SearchError) Is(target error) bool {
	t, ok := target.(*SearchError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code == e.Code && t.Status == 0 && t.Message == "" && t.Err == nil
}

// 仅用于 errors.Is 比较的哨兵值。
var (
	ErrInvalidFileType   = &SearchError{Code: ErrCodeInvalidFileType}
	ErrInvalidURL        = &SearchError{Code: ErrCodeInvalidURL}
	ErrNoInputSelected   = &SearchError{Code: ErrCodeNoInputSelected}
	ErrAlreadyInProgress = &SearchError{Code: ErrCodeAlreadyInProgress}
	ErrNetworkFailure    = &SearchError{Code: ErrCodeNetworkFailure}
	ErrHTTP              = &SearchError{Code: ErrCodeHTTP}
	ErrMalformedResponse = &SearchError{Code: ErrCodeMalformedResponse}
)

func InvalidFileType(mimeType string) *SearchError {
	return &SearchError{
		Code:    ErrCodeInvalidFileType,
		Message: "Invalid file type. Please upload an image (jpeg, png, webp).",
		Err:     fmt.Errorf("不支持的媒体类型：%q", mimeType),
	}
}

func InvalidURL(text string) *SearchError {
	return &SearchError{
		Code:    ErrCodeInvalidURL,
		Message: "Please enter a valid image URL.",
		Err:     fmt.Errorf("不是合法的 http/https 绝对 URL：%q", text),
	}
}

func NoInputSelected() *SearchError {
	return &SearchError{
		Code:    ErrCodeNoInputSelected,
		Message: "Please select an image file or enter an image URL first.",
	}
}

func AlreadyInProgress() *SearchError {
	return &SearchError{
		Code:    ErrCodeAlreadyInProgress,
		Message: "A search is already in progress.",
	}
}

func NetworkFailure(err error) *SearchError {
	return &SearchError{
		Code:    ErrCodeNetworkFailure,
		Message: "Network error while contacting the search service",
		Err:     err,
	}
}

// HTTPFailure 构造 http_error；message 为空时回退为通用的状态码文案。
func HTTPFailure(status int, message string) *SearchError {
	message = strings.TrimSpace(message)
	if message == "" {
		message = GenericHTTPMessage(status)
	}
	return &SearchError{
		Code:    ErrCodeHTTP,
		Status:  status,
		Message: message,
	}
}

func GenericHTTPMessage(status int) string {
	return fmt.Sprintf("HTTP error, status %d", status)
}

func MalformedResponse(err error) *SearchError {
	return &SearchError{
		Code:    ErrCodeMalformedResponse,
		Message: "The search service returned an unreadable response.",
		Err:     err,
	}
}

// Code 从 error 中提取 error_code；若不是 *SearchError 则返回空串。
func Code(err error) string {
	var e *SearchError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsSearchError 把任意错误归一为 *SearchError；非结构化错误视为网络层失败。
func AsSearchError(err error) *SearchError {
	if err == nil {
		return nil
	}
	var e *SearchError
	if errors.As(err, &e) {
		return e
	}
	return NetworkFailure(err)
}
