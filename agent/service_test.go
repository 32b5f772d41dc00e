package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/calehh/council-relay/access"
	"github.com/calehh/council-relay/crypto"
	"github.com/calehh/council-relay/discussion"
	"github.com/calehh/council-relay/state"
	"github.com/calehh/council-relay/types"
)

type serviceFixture struct {
	svc      *Service
	tasks    *state.Store
	messages *discussion.Store
	member   *crypto.PV
	now      time.Time
}

func newServiceFixture(t *testing.T, cfg ServiceConfig) *serviceFixture {
	gin.SetMode(gin.TestMode)
	f := &serviceFixture{now: time.Unix(genesisTime+10_000, 0)}
	var err error
	f.member, err = crypto.GeneratePV()
	require.NoError(t, err)

	f.tasks = state.NewStore(log.NewNopLogger(), state.DefaultPhaseClock())
	f.tasks.Now = func() time.Time { return f.now }
	require.True(t, f.tasks.ApplyCreated(1, creator, "first", []string{"Yes", "No"}, "5", 2, 600))
	require.True(t, f.tasks.ApplyCreated(2, creator, "second", []string{"Yes", "No", "Abstain"}, "7", 2, 600))
	require.True(t, f.tasks.ApplyAgentJoined(2, f.member.Address().Hex(), 0))
	require.True(t, f.tasks.ApplyAgentJoined(2, agentA, genesisTime))

	f.messages = discussion.NewStore(log.NewNopLogger(), 2, nil)
	limiter := access.NewRateLimiter(3, time.Minute)
	limiter.Now = func() time.Time { return f.now }
	gate := access.NewGate(log.NewNopLogger(), f.tasks, f.messages, limiter, 100)
	gate.Now = func() time.Time { return f.now }

	f.svc = NewService(log.NewNopLogger(), cfg, f.tasks, f.messages, gate, nil, NewMetrics())
	f.svc.Now = func() time.Time { return f.now }
	return f
}

func (f *serviceFixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(w, req)
	return w
}

func (f *serviceFixture) post(t *testing.T, taskId uint64, pv *crypto.PV, content string) *httptest.ResponseRecorder {
	sig, err := pv.SignDeliberation(taskId, content)
	require.NoError(t, err)
	body, err := json.Marshal(PostMessageReq{Content: content, Signature: sig, Sender: pv.Address().Hex()})
	require.NoError(t, err)
	return f.do(http.MethodPost, "/tasks/"+strconv.FormatUint(taskId, 10)+"/messages", body)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	var res map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res["code"]
}

func TestHealth(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
	require.Contains(t, w.Body.String(), `"tasks":2`)

	var res struct {
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, f.now.UnixMilli(), res.Timestamp)
}

func TestGetTasksNewestFirst(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	w := f.do(http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res GetTasksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Tasks, 2)
	require.Equal(t, uint64(2), res.Tasks[0].Id)
	require.Equal(t, uint64(1), res.Tasks[1].Id)
	// task 2 filled at genesisTime, 10000s ago: all windows have passed
	require.Equal(t, types.PhaseResolved, res.Tasks[0].Phase)
	require.Nil(t, res.Tasks[0].WinningOption)
	require.Equal(t, types.PhaseOpen, res.Tasks[1].Phase)

	w = f.do(http.MethodGet, "/tasks?page=1&pageSize=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, uint64(1), res.Tasks[0].Id)

	w = f.do(http.MethodGet, "/tasks?page=5&pageSize=1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Empty(t, res.Tasks)

	w = f.do(http.MethodGet, "/tasks?pageSize=-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskWithMessages(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	require.Equal(t, http.StatusCreated, f.post(t, 2, f.member, "I vote yes").Code)

	w := f.do(http.MethodGet, "/tasks/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail TaskDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Equal(t, uint64(2), detail.Id)
	require.Equal(t, 2, detail.AgentCount)
	require.Len(t, detail.Messages, 1)
	require.Equal(t, "I vote yes", detail.Messages[0].Content)
	require.Equal(t, strings.ToLower(f.member.Address().Hex()), detail.Messages[0].Sender)

	w = f.do(http.MethodGet, "/tasks/2/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []discussion.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)

	w = f.do(http.MethodGet, "/tasks/1/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", w.Body.String())
}

func TestGetTaskErrors(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	w := f.do(http.MethodGet, "/tasks/99", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, string(access.CategoryTaskNotFound), errorCode(t, w))

	w = f.do(http.MethodGet, "/tasks/abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, string(access.CategoryInvalidRequest), errorCode(t, w))

	w = f.do(http.MethodGet, "/tasks/abc/messages", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMessagesOfUnknownTaskIsEmpty(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	w := f.do(http.MethodGet, "/tasks/99/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", w.Body.String())
}

func TestPostMessageStatuses(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	outsider, err := crypto.GeneratePV()
	require.NoError(t, err)

	w := f.post(t, 2, outsider, "hello")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, string(access.CategoryNotMember), errorCode(t, w))

	w = f.post(t, 99, f.member, "hello")
	require.Equal(t, http.StatusNotFound, w.Code)

	sig, err := f.member.SignDeliberation(2, "original")
	require.NoError(t, err)
	body, _ := json.Marshal(PostMessageReq{Content: "tampered", Signature: sig, Sender: f.member.Address().Hex()})
	w = f.do(http.MethodPost, "/tasks/2/messages", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, string(access.CategoryBadSignature), errorCode(t, w))

	w = f.do(http.MethodPost, "/tasks/2/messages", []byte(`{"content":`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, string(access.CategoryInvalidRequest), errorCode(t, w))

	w = f.do(http.MethodPost, "/tasks/-1/messages", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessageCapAndRateLimit(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	// rate limit 3 per minute, message cap 2 per task
	require.Equal(t, http.StatusCreated, f.post(t, 2, f.member, "one").Code)
	require.Equal(t, http.StatusCreated, f.post(t, 2, f.member, "two").Code)

	w := f.post(t, 2, f.member, "three")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, string(access.CategoryMessageCap), errorCode(t, w))

	w = f.post(t, 2, f.member, "four")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, string(access.CategoryRateLimited), errorCode(t, w))

	require.Len(t, f.messages.List(2), 2)
}

func TestPostMessageBodyLimit(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{MaxBody: 64})
	body := []byte(`{"content":"` + strings.Repeat("x", 200) + `"}`)
	w := f.do(http.MethodPost, "/tasks/2/messages", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestOnboarding(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/onboarding", nil).Code)

	path := filepath.Join(t.TempDir(), "onboarding.md")
	require.NoError(t, os.WriteFile(path, []byte("# Joining a council task\n"), 0644))
	f = newServiceFixture(t, ServiceConfig{OnboardingFile: path})
	w := f.do(http.MethodGet, "/onboarding", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Joining a council task")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	f.post(t, 2, f.member, "counted")
	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `relay_message_submissions_total{outcome="accepted"} 1`)
}

func TestCorsPreflight(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{CorsOrigins: []string{"https://dashboard.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(w, req)
	require.Equal(t, "https://dashboard.example", w.Header().Get("Access-Control-Allow-Origin"))
}
