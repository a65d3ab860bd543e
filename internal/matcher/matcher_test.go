package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/findanime/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.Endpoint = srv.URL
	c, err := New(srv.Client(), opts)
	require.NoError(t, err)
	return c
}

func TestSearch_FileUsesImageField(t *testing.T) {
	var gotName, gotType string
	var gotData []byte
	var hasURL bool

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}

		f, hdr, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		gotData, _ = io.ReadAll(f)
		gotName = hdr.Filename
		gotType = hdr.Header.Get("Content-Type")
		_, hasURL = r.MultipartForm.Value["url"]

		fmt.Fprint(w, `{"frameCount":10,"error":"","result":[]}`)
	}, Options{})

	in := domain.FileInput(domain.FileBytes{Data: []byte("jpegbytes"), MimeType: "image/jpg", Filename: "shot.jpg"})
	rs, err := c.Search(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Len())
	assert.Equal(t, 10, rs.FrameCount)

	assert.Equal(t, "jpegbytes", string(gotData))
	assert.Equal(t, "shot.jpg", gotName)
	assert.Equal(t, "image/jpeg", gotType)
	assert.False(t, hasURL, "file 输入不应同时携带 url 字段")
}

func TestSearch_URLUsesURLField(t *testing.T) {
	var gotURL string
	var hasImage bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		gotURL = r.FormValue("url")
		_, hasImage = r.MultipartForm.File["image"]
		fmt.Fprint(w, `{"result":[]}`)
	}, Options{})

	_, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.jpg", gotURL)
	assert.False(t, hasImage)
}

func TestSearch_OptionsQueryAndKey(t *testing.T) {
	var rawQuery, key string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		key = r.Header.Get("x-trace-key")
		fmt.Fprint(w, `{"result":[]}`)
	}, Options{CutBorders: true, AnilistInfo: true, APIKey: "secret"})

	_, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "cutBorders&anilistInfo", rawQuery)
	assert.Equal(t, "secret", key)
}

func TestSearch_MapsSingleResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[{"anilist":21,"filename":"Show A","similarity":0.873,"episode":5,"from":12.4,"to":18.9,"video":"https://x/y.mp4","image":"https://x/y.jpg"}]}`)
	}, Options{})

	rs, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())

	r := rs.Results[0]
	assert.Equal(t, "Show A", r.Title)
	assert.Equal(t, "5", r.EpisodeLabel)
	assert.InDelta(t, 0.873, r.Similarity, 1e-9)
	assert.InDelta(t, 12.4, r.StartSeconds, 1e-9)
	assert.InDelta(t, 18.9, r.EndSeconds, 1e-9)
	assert.Equal(t, "https://x/y.mp4", r.PreviewVideoURL)
	assert.Equal(t, "https://x/y.jpg", r.PreviewImageURL)
	assert.Equal(t, "21", r.ExternalID)
}

func TestSearch_TruncatesToFivePreservingServerOrder(t *testing.T) {
	var items []string
	// 故意给出非降序的相似度：客户端不得重排。
	for i := 0; i < 8; i++ {
		items = append(items, fmt.Sprintf(`{"filename":"f%d","similarity":%.2f,"episode":%d,"from":1,"to":2}`, i, 0.5+float64(i%3)/10, i+1))
	}
	body := `{"result":[` + strings.Join(items, ",") + `]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}, Options{})

	rs, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	require.NoError(t, err)
	require.Equal(t, 5, rs.Len())
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("f%d", i), rs.Results[i].Title)
	}
}

func TestSearch_NoMatchesVariants(t *testing.T) {
	for _, body := range []string{`{"result":[]}`, `{"frameCount":0}`, `{"result":null}`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}, Options{})
		rs, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
		require.NoErrorf(t, err, "body=%s", body)
		assert.Equalf(t, 0, rs.Len(), "body=%s", body)
	}
}

func TestSearch_HTTPErrorWithJSONMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":"Search quota depleted"}`)
	}, Options{})

	_, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	require.Error(t, err)
	var se *domain.SearchError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, domain.ErrCodeHTTP, se.Code)
	assert.Equal(t, http.StatusPaymentRequired, se.Status)
	assert.Equal(t, "Search quota depleted", se.Message)
}

func TestSearch_HTTPErrorUnparsableFallsBack(t *testing.T) {
	for _, body := range []string{"<html>oops</html>", "", `{"error":""}`, `{"error":{"x":1}}`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, body)
		}, Options{})
		_, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
		require.Error(t, err)
		assert.Truef(t, errors.Is(err, domain.ErrHTTP), "body=%q", body)
		assert.Equalf(t, "HTTP error, status 500", err.Error(), "body=%q", body)
	}
}

func TestSearch_MalformedSuccessBody(t *testing.T) {
	for _, body := range []string{"not json", `[1,2]`, `{"result":"nope"}`, `{"result":[1]}`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}, Options{})
		_, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
		assert.Truef(t, errors.Is(err, domain.ErrMalformedResponse), "body=%q err=%v", body, err)
	}
}

func TestSearch_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	c, err := New(&http.Client{Timeout: time.Second}, Options{Endpoint: endpoint})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	assert.True(t, errors.Is(err, domain.ErrNetworkFailure), "err=%v", err)
}

func TestSearch_NoInputIssuesNoRequest(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, Options{})

	_, err := c.Search(context.Background(), domain.ImageInput{})
	assert.True(t, errors.Is(err, domain.ErrNoInputSelected))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSearch_RateLimiterHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[]}`)
	}, Options{RatePerMinute: 1})

	_, err := c.Search(context.Background(), domain.URLInput("https://example.com/a.jpg"))
	require.NoError(t, err)

	// 第二次需要等一分钟的令牌：ctx 很快到期，应以网络类错误返回而不是阻塞。
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Search(ctx, domain.URLInput("https://example.com/a.jpg"))
	assert.True(t, errors.Is(err, domain.ErrNetworkFailure), "err=%v", err)
}

func TestNew_RejectsBadEndpoint(t *testing.T) {
	for _, ep := range []string{"ftp://x", "not a url", "/relative"} {
		_, err := New(http.DefaultClient, Options{Endpoint: ep})
		assert.Errorf(t, err, "endpoint=%q", ep)
	}
	c, err := New(http.DefaultClient, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint+"/search", c.SearchURL())
}

func TestEpisodeLabel(t *testing.T) {
	cases := map[string]string{
		`5`:       "5",
		`12.5`:    "12.5",
		`"OVA"`:   "OVA",
		`""`:      domain.UnknownEpisode,
		`null`:    domain.UnknownEpisode,
		`0`:       domain.UnknownEpisode,
		`[1,2]`:   "1 | 2",
		`[]`:      domain.UnknownEpisode,
		`{"x":1}`: domain.UnknownEpisode,
		`"12-13"`: "12-13",
	}
	for raw, want := range cases {
		assert.Equalf(t, want, episodeLabel([]byte(raw)), "episode=%s", raw)
	}
	assert.Equal(t, domain.UnknownEpisode, episodeLabel(nil))
}

func TestParseAnilist(t *testing.T) {
	id, title := parseAnilist([]byte(`21`))
	assert.Equal(t, "21", id)
	assert.Empty(t, title)

	id, title = parseAnilist([]byte(`{"id":101,"title":{"native":"ネイティブ","romaji":"Romaji","english":null},"isAdult":false}`))
	assert.Equal(t, "101", id)
	assert.Equal(t, "Romaji", title)

	id, title = parseAnilist(nil)
	assert.Empty(t, id)
	assert.Empty(t, title)
}

func TestToSearchResult_MissingTimesAreNaN(t *testing.T) {
	r := toSearchResult(match{Filename: "x", Similarity: 1.2})
	assert.True(t, math.IsNaN(r.StartSeconds))
	assert.True(t, math.IsNaN(r.EndSeconds))
	assert.Equal(t, 1.0, r.Similarity)
}
