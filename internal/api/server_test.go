package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpool/internal/domain"
	"mailpool/internal/lease"
	"mailpool/internal/metrics"
	"mailpool/internal/refresh"
	"mailpool/internal/scheduler"
	"mailpool/internal/secret"
	"mailpool/internal/store"
	"mailpool/internal/validator"
)

const testKey = "test-secret"

// tokenServer accepts every refresh token except "token-2".
func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") == "token-2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70000: token revoked"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	srv *httptest.Server
	st  *store.Store
}

func newFixture(t *testing.T, accounts int, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	codec, err := secret.NewCodec(testKey)
	require.NoError(t, err)
	for i := 1; i <= accounts; i++ {
		tok, err := codec.Encrypt(fmt.Sprintf("token-%d", i))
		require.NoError(t, err)
		g := int64(1 + i%2)
		require.NoError(t, st.CreateAccount(context.Background(), &domain.Account{
			Email:        fmt.Sprintf("user%d@example.com", i),
			ClientID:     strconv.Itoa(i),
			RefreshToken: tok,
			GroupID:      &g,
		}))
	}

	m := metrics.New()
	v := validator.New(validator.Config{TokenURL: tokenServer(t).URL + "/token", Retries: 0})
	orch := refresh.New(st, v, codec, m, refresh.Options{Defaults: refresh.Settings{MaxWorkers: 4, BatchSize: 30, DelaySeconds: 0}})
	leases := lease.NewManager(st, st, m)
	lock := scheduler.NewLock(st, 2*time.Minute, m)

	if opts.SecretKey == "" {
		opts.SecretKey = testKey
	}
	srv := httptest.NewServer(NewServer(st, leases, orch, lock, codec, m, opts))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, st: st}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func eventTypes(events []map[string]any) []string {
	var types []string
	for _, e := range events {
		types = append(types, e["type"].(string))
	}
	return types
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 0, Options{})
	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckoutRequiresAPIKey(t *testing.T) {
	f := newFixture(t, 1, Options{})
	resp := f.do(t, http.MethodPost, "/api/external/checkout", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/external/checkout", `{}`, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckoutAndComplete(t *testing.T) {
	f := newFixture(t, 2, Options{})
	key := map[string]string{"X-API-Key": testKey}

	resp := f.do(t, http.MethodPost, "/api/external/checkout", `{"owner":"bot","ttl_seconds":120}`, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first struct {
		Success   bool   `json:"success"`
		LeaseID   string `json:"lease_id"`
		AccountID int64  `json:"account_id"`
		Email     string `json:"email"`
	}
	decode(t, resp, &first)
	assert.True(t, first.Success)
	assert.Equal(t, int64(1), first.AccountID)
	assert.Len(t, first.LeaseID, 32)

	resp = f.do(t, http.MethodPost, "/api/external/checkout", `{"group_id":1}`, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second struct {
		AccountID int64 `json:"account_id"`
	}
	decode(t, resp, &second)
	assert.Equal(t, int64(2), second.AccountID)

	var leases []domain.Lease
	decode(t, f.do(t, http.MethodGet, "/api/leases", "", nil), &leases)
	require.Len(t, leases, 2)
	assert.Equal(t, first.LeaseID, leases[0].ID)
	assert.Equal(t, "bot", leases[0].Owner)

	resp = f.do(t, http.MethodPost, "/api/external/checkout", ``, key)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/external/checkout/complete", `{"lease_id":"`+first.LeaseID+`","result":"ok"}`, key)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/external/checkout/complete", `{"lease_id":"`+first.LeaseID+`"}`, key)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/external/checkout/complete", `{}`, key)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var audit []domain.AuditEntry
	decode(t, f.do(t, http.MethodGet, "/api/audit?limit=10", "", nil), &audit)
	require.Len(t, audit, 3)
	assert.Equal(t, "checkout_complete", audit[0].Action)
	assert.Equal(t, "127.0.0.1", audit[0].CallerIP)
}

func TestExternalRateLimit(t *testing.T) {
	f := newFixture(t, 5, Options{RateLimit: 0.001, RateBurst: 2})
	key := map[string]string{"X-API-Key": testKey}
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, http.MethodPost, "/api/external/checkout", `{}`, key).StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestAdminToken(t *testing.T) {
	f := newFixture(t, 0, Options{AdminToken: "admin"})
	resp := f.do(t, http.MethodGet, "/api/refresh/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/refresh/stats", "", map[string]string{"Authorization": "Bearer admin"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/refresh/stats?token=admin", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefreshStream(t *testing.T) {
	f := newFixture(t, 3, Options{})
	resp := f.do(t, http.MethodGet, "/api/refresh/stream?kind=manual", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	assert.Equal(t, []string{"start", "progress", "progress", "progress", "complete"}, eventTypes(events))
	done := events[len(events)-1]
	assert.EqualValues(t, 3, done["total"])
	assert.EqualValues(t, 2, done["success_count"])
	assert.EqualValues(t, 1, done["failed_count"])
	failed := done["failed_list"].([]any)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].(map[string]any)["error"], "AADSTS70000")

	logs, err := f.st.ListRefreshLogs(context.Background(), time.Now().Add(-time.Hour), 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestRefreshStreamRejectsBadKind(t *testing.T) {
	f := newFixture(t, 0, Options{})
	resp := f.do(t, http.MethodGet, "/api/refresh/stream?kind=retry", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/groups/abc/refresh/stream", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduledStreamHonorsInterval(t *testing.T) {
	f := newFixture(t, 1, Options{IntervalDays: 30})

	events := readEvents(t, f.do(t, http.MethodGet, "/api/refresh/stream?kind=scheduled", "", nil))
	assert.Equal(t, "complete", events[len(events)-1]["type"])

	events = readEvents(t, f.do(t, http.MethodGet, "/api/refresh/stream?kind=scheduled", "", nil))
	require.Len(t, events, 1)
	assert.Equal(t, "skipped", events[0]["type"])

	events = readEvents(t, f.do(t, http.MethodGet, "/api/refresh/stream?kind=scheduled&force=true", "", nil))
	assert.Equal(t, "complete", events[len(events)-1]["type"])
}

func TestGroupRefreshStream(t *testing.T) {
	f := newFixture(t, 4, Options{})
	events := readEvents(t, f.do(t, http.MethodGet, "/api/groups/2/refresh/stream", "", nil))
	require.NotEmpty(t, events)
	start := events[0]
	assert.Equal(t, "start", start["type"])
	assert.Equal(t, "group:2", start["scope"])
	assert.EqualValues(t, 2, start["total"])

	resp := f.do(t, http.MethodGet, "/api/refresh/resume?group=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Checkpoint *refresh.ResumeState `json:"checkpoint"`
	}
	decode(t, resp, &status)
	require.NotNil(t, status.Checkpoint)
	assert.Equal(t, "completed", status.Checkpoint.Status)

	resp = f.do(t, http.MethodDelete, "/api/refresh/resume?group=2", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/refresh/resume?group=2", "", nil)
	status.Checkpoint = nil
	decode(t, resp, &status)
	assert.Nil(t, status.Checkpoint)
}

func TestRefreshWebSocket(t *testing.T) {
	f := newFixture(t, 2, Options{})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/refresh/ws?kind=manual"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []string
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		types = append(types, ev["type"].(string))
	}
	assert.Equal(t, []string{"start", "progress", "progress", "complete"}, types)
}

func TestRefreshOneAndFailed(t *testing.T) {
	f := newFixture(t, 3, Options{})

	resp := f.do(t, http.MethodPost, "/api/accounts/2/refresh", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out refresh.Outcome
	decode(t, resp, &out)
	assert.False(t, out.OK)
	assert.Equal(t, "AADSTS70000: token revoked", out.Error)

	resp = f.do(t, http.MethodPost, "/api/accounts/99/refresh", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/refresh/logs/failed", "", nil)
	var failedLogs []domain.RefreshLogEntry
	decode(t, resp, &failedLogs)
	require.Len(t, failedLogs, 1)
	assert.Equal(t, int64(2), failedLogs[0].AccountID)

	resp = f.do(t, http.MethodPost, "/api/refresh/failed", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum refresh.CompleteEvent
	decode(t, resp, &sum)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.FailedCount)

	resp = f.do(t, http.MethodGet, "/api/accounts/2/refresh-logs", "", nil)
	var accountLogs []domain.RefreshLogEntry
	decode(t, resp, &accountLogs)
	require.Len(t, accountLogs, 2)
	assert.Equal(t, domain.KindRetry, accountLogs[0].Kind)

	resp = f.do(t, http.MethodGet, "/api/refresh/runs?kind=retry", "", nil)
	var runs []domain.RefreshRun
	decode(t, resp, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, 0, Options{})

	resp := f.do(t, http.MethodGet, "/api/settings/refresh", "", nil)
	var s refresh.Settings
	decode(t, resp, &s)
	assert.Equal(t, refresh.Settings{MaxWorkers: 4, BatchSize: 30, DelaySeconds: 0}, s)

	resp = f.do(t, http.MethodPut, "/api/settings/refresh", `{"max_workers":50,"delay_seconds":3}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &s)
	assert.Equal(t, refresh.Settings{MaxWorkers: 20, BatchSize: 30, DelaySeconds: 3}, s)

	resp = f.do(t, http.MethodGet, "/api/settings/refresh", "", nil)
	decode(t, resp, &s)
	assert.Equal(t, 20, s.MaxWorkers)
}

func TestValidateCron(t *testing.T) {
	f := newFixture(t, 0, Options{})

	resp := f.do(t, http.MethodPost, "/api/scheduler/validate-cron", `{"cron_expr":"0 2 * * *"}`, nil)
	var ok struct {
		Valid    bool        `json:"valid"`
		NextRuns []time.Time `json:"next_runs"`
	}
	decode(t, resp, &ok)
	assert.True(t, ok.Valid)
	assert.Len(t, ok.NextRuns, 5)

	resp = f.do(t, http.MethodPost, "/api/scheduler/validate-cron", `{"cron_expr":"nope"}`, nil)
	var bad map[string]any
	decode(t, resp, &bad)
	assert.Equal(t, false, bad["valid"])

	resp = f.do(t, http.MethodPost, "/api/scheduler/validate-cron", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSchedulerLockEndpoint(t *testing.T) {
	f := newFixture(t, 0, Options{})
	resp := f.do(t, http.MethodGet, "/api/scheduler/lock", "", nil)
	var body map[string]any
	decode(t, resp, &body)
	assert.Nil(t, body["lock"])
	assert.Equal(t, false, body["held"])
	assert.Len(t, body["instance_id"], 32)
}

func TestStats(t *testing.T) {
	f := newFixture(t, 3, Options{})
	readEvents(t, f.do(t, http.MethodGet, "/api/refresh/stream", "", nil))

	resp := f.do(t, http.MethodGet, "/api/refresh/stats", "", nil)
	var body struct {
		Stats      store.Stats       `json:"stats"`
		RecentRuns []refresh.RunRate `json:"recent_runs"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 3, body.Stats.Total)
	assert.Equal(t, 1, body.Stats.FailedCount)
	assert.NotNil(t, body.Stats.LastRefreshAt)
	require.Len(t, body.RecentRuns, 1)
	assert.Equal(t, 3, body.RecentRuns[0].Total)

	var run domain.RefreshRun
	decode(t, f.do(t, http.MethodGet, "/api/refresh/runs/"+body.RecentRuns[0].RunID, "", nil), &run)
	assert.Equal(t, domain.KindManual, run.Kind)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 2, run.SuccessCount)

	resp = f.do(t, http.MethodGet, "/api/refresh/runs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAccountAdmin(t *testing.T) {
	f := newFixture(t, 0, Options{})

	body := `{"group_id":5,"accounts":[{"email":"a@example.com","client_id":"c1","refresh_token":"token-1"}],` +
		`"text":"b@example.com----pw----c2----token-3\nbroken line\n\n"}`
	resp := f.do(t, http.MethodPost, "/api/accounts", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported struct {
		Created int      `json:"created"`
		Errors  []string `json:"errors"`
	}
	decode(t, resp, &imported)
	assert.Equal(t, 2, imported.Created)
	require.Len(t, imported.Errors, 1)
	assert.Contains(t, imported.Errors[0], "line 2")

	stored, err := f.st.GetAccount(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, secret.IsEncrypted(stored.RefreshToken))
	assert.True(t, secret.IsEncrypted(stored.Password))
	assert.Equal(t, int64(5), *stored.GroupID)

	resp = f.do(t, http.MethodPut, "/api/accounts/1/status", `{"status":"disabled"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPut, "/api/accounts/1/status", `{"status":"gone"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/accounts?group=5", "", nil)
	var active []map[string]any
	decode(t, resp, &active)
	require.Len(t, active, 1)
	assert.Equal(t, "b@example.com", active[0]["email"])
	assert.NotContains(t, active[0], "refresh_token")

	// the imported token decrypts and validates end to end
	resp = f.do(t, http.MethodPost, "/api/accounts/2/refresh", "", nil)
	var out refresh.Outcome
	decode(t, resp, &out)
	assert.True(t, out.OK)

	resp = f.do(t, http.MethodDelete, "/api/accounts/2", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/accounts/2", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
