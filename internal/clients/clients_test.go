package clients

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/examprep-console/internal/config"
	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	"github.com/pribylovaa/examprep-console/internal/formdata"
	"github.com/pribylovaa/examprep-console/internal/models"
	"github.com/pribylovaa/examprep-console/internal/session"
	"github.com/pribylovaa/examprep-console/internal/session/mocks"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testCfg(baseURL string) config.ClientConfig {
	return config.ClientConfig{
		BaseURL:         baseURL + "/api/proxy",
		Timeout:         2 * time.Second,
		UserAgent:       "examprep-console-test",
		PublicEndpoints: []string{"/auth/login", "/auth/refresh-token"},
	}
}

func withToken(t *testing.T, tok string) session.Store {
	t.Helper()
	st := session.NewMemory()
	require.NoError(t, st.Set(context.Background(), session.Session{
		AccessToken:  tok,
		RefreshToken: "r-" + tok,
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	return st
}

func newClient(t *testing.T, h http.Handler, st session.Store) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	if st == nil {
		st = session.NewMemory()
	}
	return New(testCfg(srv.URL), st, discard()), srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

type course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestDo_SuccessEnvelope(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proxy/courses/1", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"message":"ok","data":{"id":1,"name":"Algebra"}}`)
	}), nil)

	var out course
	resp, err := c.Get(context.Background(), "/courses/1", &out)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "ok", resp.Message)
	require.JSONEq(t, `{"id":1,"name":"Algebra"}`, string(resp.Data))
	require.Equal(t, course{ID: 1, Name: "Algebra"}, out)
}

func TestDo_SuccessPlainBody(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":1},{"id":2}]`)
	}), nil)

	var out []course
	resp, err := c.Get(context.Background(), "courses?page=0", &out)
	require.NoError(t, err)
	require.Empty(t, resp.Message)
	require.Len(t, out, 2)
}

func TestDo_InjectsBearerAndJSONContentType(t *testing.T) {
	t.Parallel()

	var got http.Header
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusCreated, `{"message":"created"}`)
	}), withToken(t, "a1"))

	_, err := c.Post(context.Background(), "/courses", map[string]string{"name": "x"}, nil,
		WithHeader("X-Trace", "t-1"),
		WithHeader("Authorization", "Bearer caller-value"),
	)
	require.NoError(t, err)

	require.Equal(t, "Bearer a1", got.Get("Authorization"))
	require.Equal(t, "application/json", got.Get("Content-Type"))
	require.Equal(t, "t-1", got.Get("X-Trace"))
	require.Equal(t, "examprep-console-test", got.Get("User-Agent"))
	require.NotEmpty(t, got.Get("X-Request-Id"))
}

func TestDo_PublicEndpointsCarryNoAuthorization(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		auth = map[string]string{}
	)
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{}`)
	}), withToken(t, "a1"))

	ctx := context.Background()
	_, err := c.Post(ctx, "/auth/login", models.LoginRequest{Email: "a@b.c", Password: "p"}, nil)
	require.NoError(t, err)
	_, err = c.Post(ctx, "/auth/refresh-token?src=timer", models.RefreshRequest{RefreshToken: "r"}, nil)
	require.NoError(t, err)
	_, err = c.Get(ctx, "/auth/me", nil)
	require.NoError(t, err)

	require.Empty(t, auth["/api/proxy/auth/login"])
	require.Empty(t, auth["/api/proxy/auth/refresh-token"])
	require.Equal(t, "Bearer a1", auth["/api/proxy/auth/me"])
}

func TestDo_NoSessionNoAuthorization(t *testing.T) {
	t.Parallel()

	var got string
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, `{}`)
	}), nil)

	_, err := c.Get(context.Background(), "/courses", nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDo_TimeoutAbortsInFlightRequest(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
			writeJSON(w, http.StatusOK, `{}`)
		}
	}), nil)

	start := time.Now()
	_, err := c.Get(context.Background(), "/slow", nil, WithTimeout(50*time.Millisecond))
	elapsed := time.Since(start)
	require.Error(t, err)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)

	require.True(t, apierrors.IsKind(err, apierrors.KindTimeout), "got %v", err)
	require.Equal(t, http.StatusRequestTimeout, apierrors.StatusOf(err))

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the aborted request")
	}
}

func TestDo_CallerCancel(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := c.Get(ctx, "/slow", nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindCanceled), "got %v", err)
	require.Equal(t, apierrors.StatusClientClosedRequest, apierrors.StatusOf(err))
}

func TestDo_CancellationIsPerCall(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/proxy/slow" {
			<-r.Context().Done()
			return
		}
		time.Sleep(100 * time.Millisecond)
		writeJSON(w, http.StatusOK, `{"message":"fast"}`)
	}), nil)

	var (
		wg      sync.WaitGroup
		slowErr error
		fast    *Response
		fastErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, slowErr = c.Get(context.Background(), "/slow", nil, WithTimeout(20*time.Millisecond))
	}()
	go func() {
		defer wg.Done()
		fast, fastErr = c.Get(context.Background(), "/fast", nil)
	}()
	wg.Wait()

	require.True(t, apierrors.IsKind(slowErr, apierrors.KindTimeout))
	require.NoError(t, fastErr)
	require.Equal(t, "fast", fast.Message)
}

func TestDo_RemoteErrorEnvelope(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"Validation failed","errors":{"email":"required"}}`)
	}), nil)

	_, err := c.Post(context.Background(), "/users", map[string]string{}, nil)
	e, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.KindRemote, e.Kind)
	require.Equal(t, http.StatusUnprocessableEntity, e.Status)
	require.Equal(t, "Validation failed", e.Message)
	require.Equal(t, map[string]string{"email": "required"}, e.Errors)
}

func TestDo_RemoteErrorDefaultMessage(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	}), nil)

	_, err := c.Get(context.Background(), "/x", nil)
	e, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadGateway, e.Status)
	require.Equal(t, apierrors.DefaultMessage, e.Message)
}

func TestDo_TransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(testCfg(url), session.NewMemory(), discard())
	_, err := c.Get(context.Background(), "/x", nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindUnavailable), "got %v", err)
	require.Equal(t, http.StatusServiceUnavailable, apierrors.StatusOf(err))
}

func TestDo_NonJSONSuccessIsMalformed(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "plain text")
	}), nil)

	_, err := c.Get(context.Background(), "/x", nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindMalformed))
	require.Equal(t, http.StatusOK, apierrors.StatusOf(err))
}

func TestDo_EmptySuccessBody(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), nil)

	var out course
	resp, err := c.Delete(context.Background(), "/courses/1", &out)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.Status)
	require.Nil(t, resp.Data)
}

func TestDo_UnserializableBody(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.NotFoundHandler(), nil)
	_, err := c.Post(context.Background(), "/x", map[string]any{"ch": make(chan int)}, nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindInvalidRequest))
}

func TestPostMultipart_EncoderOwnsContentType(t *testing.T) {
	t.Parallel()

	type seen struct {
		ct    string
		title string
		file  string
		auth  string
	}
	got := make(chan seen, 1)

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		fh := r.MultipartForm.File["image"][0]
		f, err := fh.Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		_ = f.Close()

		got <- seen{ct: r.Header.Get("Content-Type"), title: r.FormValue("title"), file: string(data), auth: r.Header.Get("Authorization")}
		writeJSON(w, http.StatusCreated, `{"message":"uploaded"}`)
	}), withToken(t, "a1"))

	form := formdata.New().Add("title", "Cover").AddFile("image", "c.png", "image/png", []byte("PNG"))
	resp, err := c.PostMultipart(context.Background(), "/blogs", form, nil, WithHeader("Content-Type", "application/json"))
	require.NoError(t, err)
	require.Equal(t, "uploaded", resp.Message)

	s := <-got
	require.True(t, strings.HasPrefix(s.ct, "multipart/form-data; boundary="), s.ct)
	require.Equal(t, "Cover", s.title)
	require.Equal(t, "PNG", s.file)
	require.Equal(t, "Bearer a1", s.auth)
}

// Клиент только читает хранилище: Set/Clear не ожидаются.
func TestDo_NeverWritesStore(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := mocks.NewMockStore(ctrl)
	st.EXPECT().Get(gomock.Any()).Return(session.Session{AccessToken: "a1", ExpiresAt: time.Now().Add(time.Hour)}, nil).Times(2)

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"expired"}`)
	}), st)

	_, err := c.Get(context.Background(), "/a", nil)
	require.Error(t, err)
	_, err = c.Get(context.Background(), "/b", nil)
	require.Error(t, err)
}

func TestAuthAPI_LoginAndRefresh(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/api/proxy/auth/login":
			require.Equal(t, "a@b.c", body["email"])
			writeJSON(w, http.StatusOK, `{"userId":7,"accessToken":"a1","refreshToken":"r1","tokenType":"Bearer","expiresIn":900}`)
		case "/api/proxy/auth/refresh-token":
			require.Equal(t, "r1", body["refreshToken"])
			writeJSON(w, http.StatusOK, `{"message":"ok","data":{"userId":7,"accessToken":"a2","refreshToken":"r2","tokenType":"Bearer","expiresIn":900}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}), nil)

	api := NewAuthAPI(c)

	tok, err := api.Login(context.Background(), "a@b.c", "secret")
	require.NoError(t, err)
	require.Equal(t, models.TokenResponse{UserID: 7, AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer", ExpiresIn: 900}, tok)

	tok, err = api.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "a2", tok.AccessToken)
	require.Equal(t, "r2", tok.RefreshToken)
}
