package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLI_NoTTY_StdoutOnlySearchReportJSON(t *testing.T) {
	// 锁定对外契约：stdout 非 TTY 时只能输出一个报告 JSON（过程信息与摘要走 stderr）。
	if testing.Short() {
		t.Skip("short 模式跳过 go run")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, oneMatchBody)
	}))
	defer srv.Close()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("读取 cwd 失败：%v", err)
	}
	repoRoot := filepath.Clean(filepath.Join(wd, "..", ".."))

	cmd := exec.Command("go", "run", "./cmd/findanime", "search", "https://img.example/shot.jpg")
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), "FINDANIME_ENDPOINT="+srv.URL, "FINDANIME_PROXY=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("命令执行失败：%v\nstderr=%s\nstdout=%s", err, stderr.String(), stdout.String())
	}

	out := stdout.String()

	// stdout 必须是单个 JSON。
	var rep reportJSON
	dec := json.NewDecoder(strings.NewReader(out))
	if err := dec.Decode(&rep); err != nil {
		t.Fatalf("stdout 不是合法的报告 JSON：%v\nstdout=%q", err, out)
	}
	if dec.More() {
		t.Fatalf("stdout 包含多余内容")
	}
	if rep.Outcome != "results" || len(rep.Display.Cards) != 1 {
		t.Fatalf("报告不符合预期：%+v", rep)
	}
	if strings.Contains(out, "配置（生效）") || strings.Contains(out, "检索中") {
		t.Fatalf("stdout 不应包含过程输出：%q", out)
	}

	// stderr 至少应包含最终摘要行。
	if !strings.Contains(stderr.String(), "完成：outcome=") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}
}
