package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/replyq/internal/activity"
	"github.com/msageha/replyq/internal/confirm"
	"github.com/msageha/replyq/internal/ingest"
	"github.com/msageha/replyq/internal/logging"
	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/queue"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	srv   *httptest.Server
	queue *queue.Queue
	sink  *activity.Sink
	logs  *lockedBuffer
	key   string
}

func newTestEnv(t *testing.T, apiKey, secret string) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Server.APIKey = apiKey
	cfg.Ingest.WebhookSecret = secret
	cfg.Queue.MaxClaimWaitMs = 200

	q, err := queue.New(filepath.Join(root, "tasks"), cfg.Queue, nil)
	require.NoError(t, err)

	logDir := filepath.Join(root, "logs")
	sink, err := activity.NewSink(logDir)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	reader := activity.NewReader(logDir)

	scanner := confirm.NewLogScanner(reader, confirm.ScanOptions{}, nil)
	oracle := confirm.NewOracle(model.ConfirmModeScan, nil, scanner, nil)
	q.SetConfirmer(oracle)

	rules, err := ingest.RulesFromConfig(cfg.Ingest)
	require.NoError(t, err)
	gate := ingest.NewGate(q, sink, ingest.Options{
		DefaultAccount: cfg.Queue.DefaultAccount,
		WebhookSecret:  secret,
		Rules:          rules,
	}, nil)

	logs := &lockedBuffer{}
	s := New(cfg, Deps{Queue: q, Gate: gate, Logs: reader, Oracle: oracle}, logging.New(logs, logging.LevelInfo))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, queue: q, sink: sink, logs: logs, key: apiKey}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if e.key != "" {
		req.Header.Set("X-API-Key", e.key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestQueueFlow(t *testing.T) {
	env := newTestEnv(t, "", "")

	resp, task := env.do(t, http.MethodPost, "/queue/enqueue", map[string]any{"chat_id": "123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "123", task["chat_id"])

	resp, claim := env.do(t, http.MethodPost, "/queue/claim", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, claim["has"])
	assert.Equal(t, "123", claim["ChatId"])
	assert.Equal(t, "default", claim["Account"])
	lockID, _ := claim["lockId"].(string)
	assert.True(t, strings.HasSuffix(lockID, ".taking"))
	assert.NotEmpty(t, claim["lease_expires_at"])

	resp, _ = env.do(t, http.MethodPost, "/queue/heartbeat", map[string]any{"lockId": lockID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, stats := env.do(t, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), stats["leased"])

	resp, _ = env.do(t, http.MethodPost, "/queue/done", map[string]any{"lockId": lockID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/queue/done", map[string]any{"lockId": lockID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, claim = env.do(t, http.MethodPost, "/queue/claim", map[string]any{"wait_ms": 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"has": false}, claim)

	resp, body := env.do(t, http.MethodPost, "/queue/heartbeat", map[string]any{"lockId": lockID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.TextCodeNotFound, body["code"])
}

func TestQueueErrors(t *testing.T) {
	env := newTestEnv(t, "", "")

	resp, body := env.do(t, http.MethodPost, "/queue/enqueue", map[string]any{"account": "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.TextCodeInvalidArgument, body["code"])

	resp, _ = env.do(t, http.MethodPost, "/queue/done", map[string]any{"lockId": "../../etc"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/queue/enqueue", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestDoneSafe(t *testing.T) {
	env := newTestEnv(t, "", "")

	env.do(t, http.MethodPost, "/queue/enqueue", map[string]any{"chat_id": "42"})
	_, claim := env.do(t, http.MethodPost, "/queue/claim", nil)
	lockID := claim["lockId"].(string)

	require.NoError(t, env.sink.Append(activity.Entry{Kind: "webhook", ChatID: "42", Direction: "inbound"}))
	resp, body := env.do(t, http.MethodPost, "/queue/done-safe", map[string]any{"lockId": lockID})
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	assert.Len(t, body["sources"], 1)

	require.NoError(t, env.sink.Append(activity.Entry{Kind: "webhook", ChatID: "42", Direction: "outbound", AuthorID: 5}))
	resp, _ = env.do(t, http.MethodPost, "/queue/done-safe", map[string]any{"lockId": lockID})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/logs/has?chat_id=42", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["has"])

	resp, _ = env.do(t, http.MethodGet, "/logs/has", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tomorrow := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	resp, body = env.do(t, http.MethodGet, "/logs/has?chat_id=42&since="+tomorrow, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["has"])

	resp, _ = env.do(t, http.MethodGet, "/logs/has?chat_id=42&since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLockOpsRejectStaleEpoch(t *testing.T) {
	env := newTestEnv(t, "", "")

	env.do(t, http.MethodPost, "/queue/enqueue", map[string]any{"chat_id": "9"})
	_, claim := env.do(t, http.MethodPost, "/queue/claim", nil)
	lockID := claim["lockId"].(string)
	assert.Equal(t, float64(1), claim["epoch"])

	for _, path := range []string{"/queue/heartbeat", "/queue/done", "/queue/requeue", "/queue/done-safe"} {
		resp, body := env.do(t, http.MethodPost, path, map[string]any{"lockId": lockID, "epoch": 7})
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
		assert.Equal(t, model.TextCodeLeaseLost, body["code"], path)
	}

	resp, _ := env.do(t, http.MethodPost, "/queue/heartbeat", map[string]any{"lockId": lockID, "epoch": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/queue/done", map[string]any{"lockId": lockID, "epoch": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, stats := env.do(t, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), stats["leased"])
}

func TestWebhookOversizedBodyIsTruncated(t *testing.T) {
	env := newTestEnv(t, "", "")

	body := strings.Repeat("x", maxBodyBytes+512)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhook/shop", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, env.logs.String(), "webhook_body_truncated")

	small, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhook/shop", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(small)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, strings.Count(env.logs.String(), "webhook_body_truncated"))
}

func TestAPIKey(t *testing.T) {
	env := newTestEnv(t, "k3y", "")

	env.key = ""
	resp, body := env.do(t, http.MethodPost, "/queue/claim", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.TextCodeForbidden, body["code"])

	resp, _ = env.do(t, http.MethodGet, "/logs", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/queue/claim", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer k3y")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusOK, raw.StatusCode)

	env.key = "k3y"
	resp, _ = env.do(t, http.MethodPost, "/queue/claim", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookAndLogs(t *testing.T) {
	env := newTestEnv(t, "", "s3cret")

	post := func(secret, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhook/shop", strings.NewReader(body))
		require.NoError(t, err)
		if secret != "" {
			req.Header.Set(ingest.HeaderSecret, secret)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	flow := `{"payload":{"value":{"type":"system","content":{"flow_id":"job"},"chat_id":"42","id":"m1"}}}`
	assert.Equal(t, http.StatusForbidden, post("", flow).StatusCode)
	assert.Equal(t, http.StatusOK, post("s3cret", flow).StatusCode)
	assert.Equal(t, http.StatusOK, post("s3cret", "garbage").StatusCode)

	resp, stats := env.do(t, http.MethodGet, "/queue/stats?account=shop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), stats["available"])

	resp, list := env.do(t, http.MethodGet, "/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	parts := list["partitions"].([]any)
	require.Len(t, parts, 1)
	name := parts[0].(map[string]any)["name"].(string)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/logs/tail?name="+name+"&bytes=100000", nil)
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(raw.Body)
	raw.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
	assert.NotContains(t, string(data), "s3cret")

	resp, _ = env.do(t, http.MethodGet, "/logs/tail?name=../x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/logs/tail?name="+name+"&bytes=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
