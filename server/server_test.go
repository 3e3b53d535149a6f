package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AsianManiac/webtoon-scraper/broadcast"
	"github.com/AsianManiac/webtoon-scraper/control"
	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
	hub   *broadcast.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewMemoryStore("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := broadcast.NewHub(zerolog.Nop())
	go hub.Run(ctx)

	svc := control.NewService(st, hub, zerolog.Nop())
	s := NewServer(svc, hub, ":0", zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{srv: srv, store: st, hub: hub}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) submit(t *testing.T, seriesID string) string {
	t.Helper()
	resp := e.post(t, "/downloads", `{"seriesIds":[`+seriesID+`],"imagesFormat":"png"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var body struct {
		Downloads []control.Submission `json:"downloads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid submit response: %v", err)
	}
	if len(body.Downloads) != 1 {
		t.Fatalf("expected one download, got %+v", body.Downloads)
	}
	return body.Downloads[0].JobID
}

func TestSubmitAndQuery(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "95")

	resp := env.get(t, "/downloads?status=pending")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var jobs []models.DownloadJob
	json.NewDecoder(resp.Body).Decode(&jobs)
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Errorf("unexpected jobs %+v", jobs)
	}

	resp = env.get(t, "/downloads?status=COMPLETED")
	json.NewDecoder(resp.Body).Decode(&jobs)
	if len(jobs) != 0 {
		t.Errorf("expected no completed jobs, got %d", len(jobs))
	}

	resp = env.get(t, "/downloads/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("details status = %d", resp.StatusCode)
	}
	var details struct {
		Download models.DownloadJob     `json:"download"`
		Chapters []models.ChapterRecord `json:"chapters"`
	}
	json.NewDecoder(resp.Body).Decode(&details)
	if details.Download.Request.ImagesFormat != models.FormatPNG {
		t.Errorf("unexpected download %+v", details.Download)
	}
}

func TestHTTPErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "95")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad body", http.MethodPost, "/downloads", `{`, http.StatusBadRequest},
		{"no series", http.MethodPost, "/downloads", `{"seriesIds":[]}`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/downloads?status=DONE", "", http.StatusBadRequest},
		{"unknown download", http.MethodGet, "/downloads/missing", "", http.StatusNotFound},
		{"control unknown download", http.MethodPost, "/downloads/missing/pause", "", http.StatusNotFound},
		{"retry pending", http.MethodPost, "/downloads/" + id + "/retry", "", http.StatusConflict},
		{"unknown action", http.MethodPost, "/downloads/" + id + "/explode", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.method == http.MethodPost {
				resp = env.post(t, tt.path, tt.body)
			} else {
				resp = env.get(t, tt.path)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if resp.StatusCode >= 400 {
				var reply errorReply
				if err := json.NewDecoder(resp.Body).Decode(&reply); err == nil && reply.Status != "error" && tt.want != http.StatusNotFound {
					t.Errorf("error reply = %+v", reply)
				}
			}
		})
	}
}

func TestControlEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "95")

	for _, step := range []struct {
		action string
		want   models.JobStatus
	}{
		{"pause", models.StatusPaused},
		{"pause", models.StatusPaused},
		{"resume", models.StatusInProgress},
	} {
		resp := env.post(t, "/downloads/"+id+"/"+step.action, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", step.action, resp.StatusCode)
		}
		var job models.DownloadJob
		json.NewDecoder(resp.Body).Decode(&job)
		if job.Status != step.want {
			t.Errorf("%s -> %s, want %s", step.action, job.Status, step.want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/downloads", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *broadcast.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
}

func TestWebSocketBroadcastsToAllClients(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "95")

	a := dialWS(t, env)
	b := dialWS(t, env)
	waitForClients(t, env.hub, 2)

	if err := a.WriteJSON(map[string]string{"action": "pause_download", "download_id": id}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		var msg models.Message
		readJSON(t, conn, &msg)
		if msg.DownloadID != id || msg.Status != models.StatusPaused || msg.Type != models.EventProgress {
			t.Errorf("unexpected broadcast %+v", msg)
		}
	}
}

func TestWebSocketErrorReply(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "95")
	conn := dialWS(t, env)
	waitForClients(t, env.hub, 1)

	tests := []struct {
		name string
		msg  any
	}{
		{"retry pending", map[string]string{"action": "retry_download", "download_id": id}},
		{"unknown action", map[string]string{"action": "delete_download", "download_id": id}},
		{"unknown download", map[string]string{"action": "resume_download", "download_id": "missing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn.WriteJSON(tt.msg)
			var reply errorReply
			readJSON(t, conn, &reply)
			if reply.Status != "error" || reply.Error == "" {
				t.Errorf("unexpected reply %+v", reply)
			}
		})
	}

	conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 10))
	var reply errorReply
	readJSON(t, conn, &reply)
	if reply.Status != "error" {
		t.Errorf("expected error reply for garbage, got %+v", reply)
	}
}
