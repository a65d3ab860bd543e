package webui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/John-Robertt/findanime/internal/domain"
)

// multipartOverhead 是上传请求体在文件本身之外允许的额外字节（边界、表单头）。
const multipartOverhead = 64 << 10

const acceptedTypes = "image/jpeg,image/png,image/webp"

type pageData struct {
	Tab            string
	State          string
	Regions        Regions
	Accept         string
	MaxUploadBytes int64
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	snap := sess.wf.Snapshot()

	tab := r.URL.Query().Get("tab")
	if tab != "upload" && tab != "url" {
		tab = "upload"
		if snap.InputKind == domain.InputURL {
			tab = "url"
		}
	}

	data := pageData{
		Tab:            tab,
		State:          snap.State.String(),
		Regions:        sess.presenter.Regions(),
		Accept:         acceptedTypes,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
	}

	var buf bytes.Buffer
	if err := s.templates.render(&buf, "index.html", data); err != nil {
		s.log.Error("渲染页面失败", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleSelectFile(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)

	f, err := s.readUpload(w, r)
	if err != nil {
		s.log.Debug("upload rejected", "session", sess.id, "err", err)
		sess.presenter.ShowError(uploadErrorMessage(err, s.cfg.MaxUploadBytes))
		redirect(w, r, "/?tab=upload")
		return
	}

	// 校验失败时 Workflow 已通过 Presenter 报错，这里只负责跳回页面。
	_, _ = sess.wf.SelectFile(f)
	redirect(w, r, "/?tab=upload")
}

var errMissingImage = errors.New("缺少 image 字段")

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (domain.FileBytes, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return domain.FileBytes{}, err
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, hdr, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return domain.FileBytes{}, errMissingImage
		}
		return domain.FileBytes{}, err
	}
	defer file.Close()

	if hdr.Size > s.cfg.MaxUploadBytes {
		return domain.FileBytes{}, &http.MaxBytesError{Limit: s.cfg.MaxUploadBytes}
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return domain.FileBytes{}, err
	}

	// 以浏览器声明的类型为准；未声明时才嗅探。
	mt := hdr.Header.Get("Content-Type")
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return domain.FileBytes{Data: data, MimeType: mt, Filename: hdr.Filename}, nil
}

func uploadErrorMessage(err error, limit int64) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return fmt.Sprintf("Image is too large (max %s).", formatSize(limit))
	case errors.Is(err, errMissingImage):
		return domain.NoInputSelected().Message
	default:
		return "Could not read the uploaded image."
	}
}

func (s *Server) handleSelectURL(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	_, _ = sess.wf.SelectURL(r.FormValue("url"))
	redirect(w, r, "/?tab=url")
}

// handleSearch 在后台发起匹配并立即跳回页面；页面在 loading 期间自动刷新。
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	if _, err := sess.wf.Start(s.ctx); err != nil {
		s.log.Debug("search not started", "session", sess.id, "code", domain.Code(err))
	}
	redirect(w, r, "/")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	sess.wf.Reset()
	redirect(w, r, "/")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.sessions.len(),
	})
}

func redirect(w http.ResponseWriter, r *http.Request, to string) {
	http.Redirect(w, r, to, http.StatusSeeOther)
}
