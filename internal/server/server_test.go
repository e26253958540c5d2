package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benchwatch/benchwatch/pkg/benchwatch"
	"github.com/gin-gonic/gin"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWatcher struct {
	events []benchwatch.PushEvent
	status *benchwatch.RunStatus
}

func (w *fakeWatcher) Trigger(event benchwatch.PushEvent) {
	w.events = append(w.events, event)
}

func (w *fakeWatcher) Status() *benchwatch.RunStatus {
	return w.status
}

// sign computes the signature header github attaches to webhook deliveries.
func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPostGithubTriggersEvaluation(t *testing.T) {
	watcher := &fakeWatcher{}
	router := (&httpServer{watcher: watcher}).router()

	body := `{"ref": "refs/heads/main", "after": "commit1"}`
	req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusAccepted, res.Code, "Wrong status code")
	assert.Len(t, watcher.events, 1, "Expected exactly one trigger")
	assert.Equal(t, benchwatch.PushEvent{Ref: "refs/heads/main", After: "commit1"}, watcher.events[0], "Wrong event was delivered")
}

func TestPostGithubSignature(t *testing.T) {
	secret := []byte("hunter2")
	body := []byte(`{"ref": "refs/heads/main", "after": "commit1"}`)

	values := []struct {
		header     string
		wantStatus int
		wantEvents int
	}{
		{sign(secret, body), http.StatusAccepted, 1},
		{"", http.StatusUnauthorized, 0},
		{"sha256=deadbeef", http.StatusUnauthorized, 0},
		{sign(secret, []byte(`{"after": "tampered"}`)), http.StatusUnauthorized, 0},
		{sign([]byte("wrong-secret"), body), http.StatusUnauthorized, 0},
	}

	for i, value := range values {
		watcher := &fakeWatcher{}
		router := (&httpServer{watcher: watcher, secret: secret}).router()

		req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(string(body)))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", value.header)
		res := httptest.NewRecorder()
		router.ServeHTTP(res, req)

		assert.Equal(t, value.wantStatus, res.Code, "Wrong status code in test %d", i)
		assert.Len(t, watcher.events, value.wantEvents, "Wrong trigger count in test %d", i)
	}
}

func TestPostGithubAcknowledgesPing(t *testing.T) {
	watcher := &fakeWatcher{}
	router := (&httpServer{watcher: watcher}).router()

	req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(`{"zen": "Design for failure."}`))
	req.Header.Set("X-GitHub-Event", "ping")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code, "Wrong status code")
	assert.Empty(t, watcher.events, "Ping delivery triggered an evaluation")
}

func TestPostGithubRejectsMalformedPayload(t *testing.T) {
	watcher := &fakeWatcher{}
	router := (&httpServer{watcher: watcher}).router()

	req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader("not json"))
	req.Header.Set("X-GitHub-Event", "push")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusBadRequest, res.Code, "Wrong status code")
	assert.Empty(t, watcher.events, "Malformed delivery triggered an evaluation")
}

func TestGetStatus(t *testing.T) {
	watcher := &fakeWatcher{}
	router := (&httpServer{watcher: watcher}).router()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code, "Wrong status code")
	assert.JSONEq(t, `{"outcome": "none"}`, res.Body.String(), "Wrong body without evaluations")

	watcher.status = &benchwatch.RunStatus{
		ID:      "run-1",
		Commit:  "commit1",
		Image:   "benchwatch-commit1:digest",
		Outcome: "success",
	}
	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code, "Wrong status code")
	var status benchwatch.RunStatus
	assert.Nil(t, json.Unmarshal(res.Body.Bytes(), &status), "Status is not valid JSON")
	assert.Equal(t, *watcher.status, status, "Wrong status was reported")
}

func TestGetHealthz(t *testing.T) {
	router := (&httpServer{watcher: &fakeWatcher{}}).router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code, "Wrong status code")
	assert.Equal(t, "ok", res.Body.String(), "Wrong body")
}

func TestNewServesRequests(t *testing.T) {
	port, err := freeport.GetFreePort()
	assert.Nil(t, err, "Failed to get free port")

	assert.Nil(t, New(port, &fakeWatcher{}, nil), "Failed to start server")

	// The server starts asynchronously, poll until it accepts connections
	url := fmt.Sprintf("http://localhost:%d/healthz", port)
	for i := 0; i < 50; i++ {
		res, err := http.Get(url)
		if err == nil {
			res.Body.Close()
			assert.Equal(t, http.StatusOK, res.StatusCode, "Wrong status code")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server did not come up on port %d", port)
}
