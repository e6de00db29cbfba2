package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/push"
	"github.com/rzbill/courier/internal/runtime"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/store"
	logpkg "github.com/rzbill/courier/pkg/log"
)

func newTestServer(t *testing.T, start bool) (*Server, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	if start {
		rt.Start()
	}
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return New(rt, logger), rt
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

type pageResp struct {
	Messages   []store.StoredMessage `json:"messages"`
	NextCursor string                `json:"nextCursor"`
	HasMore    bool                  `json:"hasMore"`
}

func fetchPage(t *testing.T, s *Server, path string) pageResp {
	t.Helper()
	w := do(t, s, http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: %d %s", path, w.Code, w.Body.String())
	}
	var p pageResp
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	return p
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, false)
	w := do(t, s, http.MethodGet, "/healthz", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestSubmitHandler(t *testing.T) {
	s, rt := newTestServer(t, false)
	w := do(t, s, http.MethodPost, "/messages", `{"senderId":"u1","receiverId":"u2","body":"hello"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	var resp submitID
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.ID) != 32 {
		t.Fatalf("bad id response %s", w.Body.String())
	}
	if st, _ := rt.Queue().Stats(); st.Ready != 1 {
		t.Fatalf("message not queued: %+v", st)
	}
}

type submitID struct {
	ID string `json:"id"`
}

func TestSubmitValidationErrors(t *testing.T) {
	s, _ := newTestServer(t, false)
	for name, body := range map[string]string{
		"blank body":     `{"senderId":"u1","receiverId":"u2","body":"  "}`,
		"missing sender": `{"receiverId":"u2","body":"hi"}`,
		"raw url ref":    `{"senderId":"u1","receiverId":"u2","body":"hi","attachmentRef":"https://x/y.png"}`,
		"not json":       `{`,
	} {
		t.Run(name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/messages", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status: %d", w.Code)
			}
			var e map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e["error"] == "" {
				t.Fatalf("want error body, got %s", w.Body.String())
			}
		})
	}
}

func TestOfflineMessageVisibleViaFetch(t *testing.T) {
	s, _ := newTestServer(t, true)
	if w := do(t, s, http.MethodPost, "/messages", `{"senderId":"u1","receiverId":"u2","body":"while you were away"}`); w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", w.Code)
	}

	var page pageResp
	deadline := time.Now().Add(3 * time.Second)
	for {
		page = fetchPage(t, s, "/messages/u2")
		if len(page.Messages) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if page.Messages[0].Body != "while you were away" || page.NextCursor == "" {
		t.Fatalf("unexpected page %+v", page)
	}

	if w := do(t, s, http.MethodGet, "/messages/u2/unread", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"unread":1`) {
		t.Fatalf("unread before ack: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPost, "/messages/u2/ack", `{"cursor":"`+page.NextCursor+`"}`); w.Code != http.StatusNoContent {
		t.Fatalf("ack: %d %s", w.Code, w.Body.String())
	}
	if again := fetchPage(t, s, "/messages/u2"); len(again.Messages) != 0 {
		t.Fatalf("acknowledged messages should not be returned without a cursor")
	}
	if w := do(t, s, http.MethodGet, "/messages/u2/unread", ""); !strings.Contains(w.Body.String(), `"unread":0`) {
		t.Fatalf("unread after ack: %s", w.Body.String())
	}
	if w := do(t, s, http.MethodGet, "/messages/u2?cursor=%21%21", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: %d", w.Code)
	}
}

func TestOnlineReceiverGetsPushAndNoStoredRow(t *testing.T) {
	s, rt := newTestServer(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?userId=u2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := rt.Presence().Snapshot(context.Background(), "u2")
		if snap.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence never went online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := do(t, s, http.MethodPost, "/messages", `{"senderId":"u1","receiverId":"u2","body":"live"}`); w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", w.Code)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f push.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if f.Type != push.FrameMessage || f.Message == nil || f.Message.Body != "live" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if page := fetchPage(t, s, "/messages/u2"); len(page.Messages) != 0 {
		t.Fatalf("pushed message must not be stored, got %d", len(page.Messages))
	}
}

func TestDeadLetterAndStatsHandlers(t *testing.T) {
	s, _ := newTestServer(t, false)
	w := do(t, s, http.MethodGet, "/deadletters", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodGet, "/deadletters/0000000000000000000000000000000a", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get missing: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/deadletters/not-an-id", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("get malformed: %d", w.Code)
	}
	w = do(t, s, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deadLetters":0`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodDelete, "/messages", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method routing: %d", w.Code)
	}
}
