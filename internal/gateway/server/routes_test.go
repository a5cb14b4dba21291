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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"codeforge/internal/agent"
	"codeforge/internal/filestore"
	"codeforge/internal/fingerprint"
	"codeforge/internal/gateway/handler"
	"codeforge/internal/gateway/repository/artifact"
	"codeforge/internal/gateway/service/publish"
	"codeforge/internal/job"
	"codeforge/internal/llm"
	"codeforge/internal/pipeline"
)

type testEnv struct {
	srv   *httptest.Server
	orch  *pipeline.Orchestrator
	files *filestore.MemoryStore
	jobs  *job.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	files := filestore.NewMemoryStore()
	jobs := job.NewMemoryStore()
	gw := llm.NewFakeGateway()
	orch := pipeline.New(pipeline.Deps{
		Jobs:      jobs,
		Files:     files,
		Gateway:   gw,
		Publisher: publish.New(artifact.NewMemoryStore()),
	}, pipeline.DefaultConfig())
	hub := agent.NewHub(agent.Deps{Files: files, Jobs: jobs, Gateway: gw}, agent.DefaultConfig())
	srv := httptest.NewServer(NewRouter(handler.New(orch, files, nil, hub)))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		orch.Close()
	})
	return &testEnv{srv: srv, orch: orch, files: files, jobs: jobs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp, out
}

func (e *testEnv) seed(t *testing.T, projectID string, files map[string]string) {
	t.Helper()
	for p, body := range files {
		_, err := e.files.Write(context.Background(), projectID, p, []byte(body), filestore.Precondition{})
		require.NoError(t, err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/jobs", map[string]string{"prompt": "todo app with auth", "projectType": "web"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["jobId"].(string)
	projectID, _ := body["projectId"].(string)
	require.NotEmpty(t, jobID)
	require.NotEmpty(t, projectID)
	env.orch.Wait()

	resp, body = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DONE", body["status"], body["error"])
	require.Equal(t, "SAVING", body["currentStage"])
	require.NotEmpty(t, body["resultRef"])
	require.EqualValues(t, 0, body["openFindings"])
	require.NotContains(t, body, "clarificationQuestions")

	resp, body = env.do(t, http.MethodGet, "/v1/projects/"+projectID+"/files", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := body["items"].([]any)
	require.NotEmpty(t, items)

	resp, body = env.do(t, http.MethodGet, "/v1/projects/"+projectID+"/files/src/app.js", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, fingerprint.SumString(body["body"].(string)), body["fingerprint"])
}

func TestClarifyOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodPost, "/v1/jobs", map[string]string{"prompt": "app", "projectType": "web"})
	jobID := body["jobId"].(string)
	env.orch.Wait()

	_, body = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, "CLARIFYING", body["status"])
	questions, _ := body["clarificationQuestions"].([]any)
	require.Len(t, questions, 1)
	q := questions[0].(string)

	resp, body := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/continue", map[string]any{"answers": map[string]string{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "missing_answers", body["code"])

	resp, _ = env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/continue", map[string]any{"answers": map[string]string{q: "a todo list"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/continue", map[string]any{"answers": map[string]string{q: "again"}})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "invalid_state", body["code"])
	env.orch.Wait()

	_, body = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, "DONE", body["status"], body["error"])
}

func TestJobErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/jobs/job-missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["code"])

	resp, body = env.do(t, http.MethodPost, "/v1/jobs", map[string]string{"prompt": "", "projectType": "web"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_argument", body["code"])

	resp, body = env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"prompt": "x", "bogus": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_argument", body["code"])
}

func TestPutFileConflict(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", map[string]string{"a.js": "let x = 1;\n"})
	h1 := fingerprint.SumString("let x = 1;\n")

	resp, body := env.do(t, http.MethodPut, "/v1/projects/p1/files/a.js", map[string]string{"body": "let x = 2;\n", "expectedFingerprint": h1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h2 := body["fingerprint"].(string)
	require.Equal(t, fingerprint.SumString("let x = 2;\n"), h2)

	resp, body = env.do(t, http.MethodPut, "/v1/projects/p1/files/a.js", map[string]string{"body": "let x = 3;\n", "expectedFingerprint": h1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "conflict", body["code"])
	require.Equal(t, h1, body["expected"])
	require.Equal(t, h2, body["actual"])

	resp, _ = env.do(t, http.MethodPut, "/v1/projects/p1/files/src%2Fnew.js", map[string]string{"body": "new\n"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec, err := env.files.Get(context.Background(), "p1", "src/new.js")
	require.NoError(t, err)
	require.Equal(t, "new\n", string(rec.Body))

	resp, body = env.do(t, http.MethodGet, "/v1/projects/p1/files/missing.js", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["code"])
}

func TestGroupEdit(t *testing.T) {
	env := newTestEnv(t)
	shared := "export const Button = () => null;\n"
	env.seed(t, "p1", map[string]string{"a/Button.js": shared, "b/Button.js": shared, "c.js": "other"})

	resp, body := env.do(t, http.MethodPost, "/v1/projects/p1/groups", map[string]string{
		"identifier": "Button",
		"body":       "export const Button = () => 'ok';\n",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	members, _ := body["members"].([]any)
	require.Len(t, members, 2)
	for _, m := range members {
		require.Equal(t, true, m.(map[string]any)["applied"])
	}

	resp, body = env.do(t, http.MethodPost, "/v1/projects/p1/groups", map[string]string{"identifier": "Nothing", "body": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_argument", body["code"])
}

func dialSession(t *testing.T, env *testEnv, projectID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/projects/" + projectID + "/session"
	return websocket.DefaultDialer.Dial(u, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) agent.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev agent.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestSessionOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", map[string]string{"a.js": "let x = 1;\nconsole.log(x);\n"})

	conn, _, err := dialSession(t, env, "p1")
	require.NoError(t, err)
	defer conn.Close()

	connected := readEvent(t, conn)
	require.Equal(t, agent.EventConnected, connected.Type)
	require.Equal(t, []string{"a.js"}, connected.Paths)
	require.Equal(t, agent.EventAgentResponse, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(agent.Inbound{Type: "ping"}))
	require.Equal(t, agent.EventPong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(agent.Inbound{Type: "message", Text: "rename variable x to total"}))
	var got []agent.Event
	for {
		ev := readEvent(t, conn)
		got = append(got, ev)
		if ev.Type == agent.EventAgentResponse {
			break
		}
	}
	require.Len(t, got, 4)
	require.Equal(t, agent.PhaseThinking, got[0].Phase)
	require.Equal(t, agent.PhaseGenerating, got[1].Phase)
	require.Equal(t, agent.EventFileUpdate, got[2].Type)
	require.Equal(t, "let total = 1;\nconsole.log(total);\n", got[2].Body)

	require.NoError(t, conn.WriteJSON(agent.Inbound{Type: "dance"}))
	ev := readEvent(t, conn)
	require.Equal(t, agent.EventError, ev.Type)
	require.Equal(t, "invalid_argument", ev.Code)
}

func TestSessionRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := dialSession(t, env, "p-empty")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.seed(t, "p1", map[string]string{"a.js": "a"})
	require.NoError(t, env.jobs.Create(context.Background(), job.Job{ID: "job-1", ProjectID: "p1", Status: job.StatusFixing}))
	_, resp, err = dialSession(t, env, "p1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
