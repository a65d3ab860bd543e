package webui

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/findanime/internal/workflow"
)

const sessionCookie = "findanime_session"

// session 是一个浏览器会话：独占一个 Workflow 与它的区域状态。
type session struct {
	id        string
	wf        *workflow.Workflow
	presenter *pagePresenter

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// sessionStore 以 cookie 中的 uuid 为键保存会话；过期会话由 sweep 回收。
type sessionStore struct {
	matcher workflow.Matcher
	log     *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu sync.Mutex
	m  map[string]*session
}

func newSessionStore(m workflow.Matcher, ttl time.Duration, log *slog.Logger) *sessionStore {
	return &sessionStore{
		matcher: m,
		log:     log,
		ttl:     ttl,
		now:     time.Now,
		m:       make(map[string]*session),
	}
}

// lookup 只读取已有会话，不创建。
func (st *sessionStore) lookup(r *http.Request) *session {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return nil
	}
	st.mu.Lock()
	sess := st.m[c.Value]
	st.mu.Unlock()
	if sess != nil {
		sess.touch(st.now())
	}
	return sess
}

// get 返回请求所属的会话；不存在（或 cookie 无效/已过期）时新建并下发 cookie。
func (st *sessionStore) get(w http.ResponseWriter, r *http.Request) *session {
	if sess := st.lookup(r); sess != nil {
		return sess
	}

	id := uuid.NewString()
	p := &pagePresenter{}
	sess := &session{
		id:        id,
		presenter: p,
		wf:        workflow.New(st.matcher, p, workflow.WithLogger(st.log.With("session", id))),
		lastSeen:  st.now(),
	}

	st.mu.Lock()
	st.m[id] = sess
	st.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	st.log.Debug("new session", "session", id)
	return sess
}

// sweep 回收超过 ttl 未访问的会话；回收前 Reset 以取消在途请求。
func (st *sessionStore) sweep() int {
	if st.ttl <= 0 {
		return 0
	}
	cutoff := st.now().Add(-st.ttl)

	st.mu.Lock()
	var expired []*session
	for id, sess := range st.m {
		if sess.idleSince().Before(cutoff) {
			expired = append(expired, sess)
			delete(st.m, id)
		}
	}
	st.mu.Unlock()

	for _, sess := range expired {
		sess.wf.Reset()
	}
	if len(expired) > 0 {
		st.log.Debug("sessions expired", "count", len(expired))
	}
	return len(expired)
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.m)
}
