package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/findanime/internal/render"
)

const oneMatchBody = `{"frameCount":1000,"error":"","result":[
 {"anilist":21,"filename":"Show A","episode":3,"from":12.5,"to":18.9,"similarity":0.873,
  "video":"https://media.example/v.mp4","image":"https://media.example/i.jpg"}]}`

// pngHeader 足以让 http.DetectContentType 识别为 image/png。
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// reportJSON 与 searchReport 对应；state 以字符串解码。
type reportJSON struct {
	Input      string              `json:"input"`
	InputKind  string              `json:"input_kind"`
	State      string              `json:"state"`
	Outcome    string              `json:"outcome"`
	FrameCount int                 `json:"frame_count"`
	Display    render.DisplayModel `json:"display"`
}

type searchCall struct {
	url      string
	filename string
	mimeType string
	size     int
}

func newSearchEndpoint(t *testing.T, status int, body string) (*httptest.Server, *atomic.Pointer[searchCall]) {
	t.Helper()
	var last atomic.Pointer[searchCall]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		c := &searchCall{}
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			c.url = r.FormValue("url")
			if f, hdr, err := r.FormFile("image"); err == nil {
				b, _ := io.ReadAll(f)
				_ = f.Close()
				c.filename = hdr.Filename
				c.mimeType = hdr.Header.Get("Content-Type")
				c.size = len(b)
			}
		}
		last.Store(c)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeReport(t *testing.T, stdout string) reportJSON {
	t.Helper()
	var rep reportJSON
	dec := json.NewDecoder(strings.NewReader(stdout))
	require.NoError(t, dec.Decode(&rep), "stdout 不是合法 JSON：%q", stdout)
	require.False(t, dec.More(), "stdout 只应包含一个 JSON 报告：%q", stdout)
	return rep
}

func TestSearch_URLResultsExitZero(t *testing.T) {
	srv, last := newSearchEndpoint(t, http.StatusOK, oneMatchBody)

	code, stdout, stderr := runCLI(t, "--endpoint", srv.URL, "search", "https://img.example/shot.jpg")
	require.Equal(t, 0, code, "stderr=%s", stderr)

	rep := decodeReport(t, stdout)
	require.Equal(t, "url", rep.InputKind)
	require.Equal(t, "results", rep.Outcome)
	require.Equal(t, "results_ready", rep.State)
	require.Equal(t, 1000, rep.FrameCount)
	require.Len(t, rep.Display.Cards, 1)

	c := rep.Display.Cards[0]
	require.Equal(t, "Show A", c.Title)
	require.Equal(t, "87.3% match", c.Similarity)
	require.Equal(t, "3", c.Episode)
	require.Equal(t, "00:12 - 00:18", c.TimeRange)
	require.Equal(t, "21", c.ExternalID)

	require.Equal(t, "https://img.example/shot.jpg", last.Load().url)
	require.Contains(t, stderr, "完成：outcome=results results=1 state=results_ready")
}

func TestSearch_FileIsUploadedAsImageField(t *testing.T) {
	srv, last := newSearchEndpoint(t, http.StatusOK, oneMatchBody)

	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o644))

	code, stdout, stderr := runCLI(t, "--endpoint", srv.URL, "search", path)
	require.Equal(t, 0, code, "stderr=%s", stderr)

	rep := decodeReport(t, stdout)
	require.Equal(t, "file", rep.InputKind)

	got := last.Load()
	require.NotNil(t, got)
	require.Equal(t, "shot.png", got.filename)
	require.Equal(t, "image/png", got.mimeType)
	require.Equal(t, len(pngHeader), got.size)
	require.Empty(t, got.url)
}

func TestSearch_NoMatchesExitOne(t *testing.T) {
	srv, _ := newSearchEndpoint(t, http.StatusOK, `{"frameCount":10,"error":"","result":[]}`)

	code, stdout, _ := runCLI(t, "--endpoint", srv.URL, "search", "https://img.example/a.png")
	require.Equal(t, 1, code)

	rep := decodeReport(t, stdout)
	require.Equal(t, "no_matches", rep.Outcome)
	require.Equal(t, "results_ready", rep.State)
	require.Equal(t, render.KindNoMatches, rep.Display.Kind)
	require.Equal(t, render.NoMatchesMessage, rep.Display.Message)
	require.Empty(t, rep.Display.Cards)
}

func TestSearch_HTTPFailureExitOne(t *testing.T) {
	srv, _ := newSearchEndpoint(t, http.StatusServiceUnavailable, `{"error":"queue full"}`)

	code, stdout, _ := runCLI(t, "--endpoint", srv.URL, "search", "https://img.example/a.png")
	require.Equal(t, 1, code)

	rep := decodeReport(t, stdout)
	require.Equal(t, "failed", rep.Outcome)
	require.Equal(t, "error", rep.State)
	require.Equal(t, "http_error", rep.Display.ErrorCode)
	require.Equal(t, http.StatusServiceUnavailable, rep.Display.Status)
	require.True(t, strings.HasPrefix(rep.Display.Message, "Failed to search for anime: "), rep.Display.Message)
}

func TestSearch_InvalidFileTypeNeverCallsService(t *testing.T) {
	srv, last := newSearchEndpoint(t, http.StatusOK, oneMatchBody)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	code, stdout, _ := runCLI(t, "--endpoint", srv.URL, "search", path)
	require.Equal(t, 1, code)

	rep := decodeReport(t, stdout)
	require.Equal(t, "invalid_file_type", rep.Display.ErrorCode)
	require.Equal(t, "idle", rep.State)
	require.Nil(t, last.Load())
}

func TestSearch_UnreadableFile(t *testing.T) {
	srv, last := newSearchEndpoint(t, http.StatusOK, oneMatchBody)

	missing := filepath.Join(t.TempDir(), "missing.png")
	code, stdout, _ := runCLI(t, "--endpoint", srv.URL, "search", missing)
	require.Equal(t, 1, code)

	rep := decodeReport(t, stdout)
	require.Equal(t, errCodeInputUnreadable, rep.Display.ErrorCode)
	require.Equal(t, "none", rep.InputKind)
	require.Nil(t, last.Load())
}

func TestSearch_ReportFileIsWritten(t *testing.T) {
	srv, _ := newSearchEndpoint(t, http.StatusOK, oneMatchBody)
	reportPath := filepath.Join(t.TempDir(), "out", "report.json")

	code, stdout, stderr := runCLI(t, "--endpoint", srv.URL, "search", "--report", reportPath, "https://img.example/a.jpg")
	require.Equal(t, 0, code, "stderr=%s", stderr)

	b, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var onDisk reportJSON
	require.NoError(t, json.Unmarshal(b, &onDisk))
	require.Equal(t, decodeReport(t, stdout), onDisk)
}

func TestSearch_InvalidEndpointIsConfigError(t *testing.T) {
	code, stdout, _ := runCLI(t, "--endpoint", "ftp://example.com", "search", "https://img.example/a.jpg")
	require.Equal(t, 1, code)

	rep := decodeReport(t, stdout)
	require.Equal(t, "config_invalid", rep.Display.ErrorCode)
	require.Equal(t, "failed", rep.Outcome)
}

func TestSearch_RequiresExactlyOneArg(t *testing.T) {
	code, _, stderr := runCLI(t, "search")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "错误：")
}

func TestWriteHuman(t *testing.T) {
	var buf bytes.Buffer
	writeHuman(&buf, searchReport{Display: render.DisplayModel{
		Kind: render.KindResults,
		Cards: []render.Card{{
			Title:      "Show A",
			Similarity: "87.3% match",
			Episode:    "3",
			TimeRange:  "00:12 - 00:18",
			VideoURL:   "https://media.example/v.mp4",
		}},
	}})
	want := "1. Show A  [87.3% match]\n" +
		"   Episode: 3\n" +
		"   Time: 00:12 - 00:18\n" +
		"   Video: https://media.example/v.mp4\n"
	require.Equal(t, want, buf.String())

	buf.Reset()
	writeHuman(&buf, searchReport{Display: render.DisplayModel{Kind: render.KindError, ErrorCode: "invalid_url", Message: "Please enter a valid image URL."}})
	require.Equal(t, "invalid_url: Please enter a valid image URL.\n", buf.String())
}

func TestDetectMediaType(t *testing.T) {
	require.Equal(t, "image/png", detectMediaType("a.PNG", nil))
	require.Equal(t, "image/png", detectMediaType("noext", pngHeader))
}
