package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gambit/pkg/blob"
	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/llms"
	"github.com/kadirpekel/gambit/pkg/loop"
	"github.com/kadirpekel/gambit/pkg/memstore"
	"github.com/kadirpekel/gambit/pkg/observability"
)

const testModel = "openai/gpt-4o"

// stubProvider answers both decision phases with fixed JSON.
type stubProvider struct{}

func (stubProvider) GenerateStructured(ctx context.Context, req *llms.Request) (*llms.Response, error) {
	if req.Output != nil && req.Output.Name == "screen_type" {
		return &llms.Response{
			Text:  `{"screenType": "overworld", "briefDescription": "a field"}`,
			Usage: llms.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
		}, nil
	}
	return &llms.Response{
		Text: `{
			"gameState": {"area": "Pallet Town"},
			"decision": {
				"screenAnalysis": "field",
				"reasoning": "head north",
				"buttonSequence": [{"A": 0.9, "SELECT": 0.05}],
				"progressConfidence": 0.5
			}
		}`,
		Usage: llms.Usage{PromptTokens: 1000, CompletionTokens: 100, TotalTokens: 1100},
	}, nil
}

func (stubProvider) GetModelName() string { return "gpt-4o" }
func (stubProvider) Close() error         { return nil }

type testEnv struct {
	server *Server
	kv     *kv.MemoryStore
	blobs  *blob.MemoryStore
	memory *memstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := kv.NewMemoryStore()
	blobs := blob.NewMemoryStore("http://blobs.test")
	memory := memstore.New(store)
	checkpoints := checkpoint.NewManager(&checkpoint.Config{Enabled: true}, blobs)

	providers := llms.NewProviderRegistry()
	require.NoError(t, providers.Register(testModel, stubProvider{}))

	manager := loop.NewManager(loop.ManagerDeps{
		Providers:  providers,
		KV:         store,
		Memory:     memory,
		Checkpoint: checkpoints,
		Metrics:    &observability.Metrics{},
		Defaults: loop.Config{
			ExecuteInputs:           true,
			IterationPeriod:         time.Millisecond,
			CooldownDialogue:        time.Millisecond,
			CooldownDefault:         time.Millisecond,
			DecisionDeadline:        5 * time.Second,
			HeartbeatInterval:       time.Millisecond,
			ClientGoneAfter:         time.Hour,
			FrameUnavailableBackoff: time.Millisecond,
			BetweenPressDelay:       time.Millisecond,
		},
	})
	t.Cleanup(func() { _ = manager.Shutdown() })

	srv := New(Config{}, Deps{
		Manager:    manager,
		KV:         store,
		Memory:     memory,
		Checkpoint: checkpoints,
		Blobs:      blobs,
		Metrics:    &observability.Metrics{},
	})
	return &testEnv{server: srv, kv: store, blobs: blobs, memory: memory}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func frameDataURL(seed byte, size int) string {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestDecideRunsOneIteration(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
		"modelId": testModel,
		"frame":   frameDataURL(1, 2048),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["totalDecisions"])

	decision, ok := body["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A", decision["button"])
	assert.Equal(t, 0.9, decision["confidence"])

	// The agent record is retrievable both ways.
	rec = env.do(t, http.MethodGet, "/api/agent/decide?agentId=agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state game.AgentState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 1, state.TotalDecisions)
	assert.Equal(t, testModel, state.Model)

	rec = env.do(t, http.MethodGet, "/api/agent/agent-1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDecideValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 999 decoded bytes is below the minimum frame size.
	rec = env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
		"modelId": testModel,
		"frame":   frameDataURL(1, 999),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecideUnknownAgentWithoutModel(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-x",
		"frame":   frameDataURL(1, 2048),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agent/agent-1/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	rec = env.do(t, http.MethodGet, "/api/agent/agent-1/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["alive"])
}

func TestHeartbeatAbsent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/agent/ghost/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["alive"])
}

func TestStateLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/agent/agent-9/state", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	state := game.NewAgentState("agent-9", testModel, time.Now())
	state.TotalDecisions = 7
	rec = env.do(t, http.MethodPost, "/api/agent/agent-9/state", state)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agent/agent-9/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got game.AgentState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 7, got.TotalDecisions)

	rec = env.do(t, http.MethodDelete, "/api/agent/agent-9/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agent/agent-9/state", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveStateUploadAndParse(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("emulator state payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rec := env.do(t, http.MethodPost, "/api/agent/agent-1/save-state", map[string]any{
		"state":          base64.StdEncoding.EncodeToString(buf.Bytes()),
		"decisionNumber": 100,
		"model":          testModel,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["filename"], "save-states/agent-1/")
	assert.Contains(t, body["filename"], "D100")

	rec = env.do(t, http.MethodGet, "/api/agent/agent-1/parse-state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	parsed, ok := body["parsed"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gzip", parsed["format"])
	assert.Equal(t, float64(22), parsed["uncompressedSize"])
}

func TestSaveStateRequiresPayload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/agent/agent-1/save-state", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseStateWithoutCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/agent/agent-1/parse-state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
}

func TestFramesStoreAndList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agent/agent-1/frames", map[string]any{
		"frame": frameDataURL(5, 2048),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	url, _ := body["url"].(string)
	assert.Contains(t, url, "frames/agent-1/")

	rec = env.do(t, http.MethodGet, "/api/agent/agent-1/frames", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["totalCount"])
}

func TestMemstashReadAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.memory.MergeNotes(ctx, "agent-1", game.Notes{CurrentObjective: "beat Brock"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/agent/agent-1/memstash", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	content, _ := decodeBody(t, rec)["content"].(string)
	assert.Contains(t, content, "beat Brock")

	rec = env.do(t, http.MethodDelete, "/api/agent/agent-1/memstash", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agent/agent-1/memstash", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	content, _ = decodeBody(t, rec)["content"].(string)
	assert.Empty(t, content)
}

func TestAgentsListing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
		"modelId": testModel,
		"frame":   frameDataURL(1, 2048),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/leaderboard/turnips", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
		"modelId": testModel,
		"frame":   frameDataURL(1, 2048),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/leaderboard/cost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "agent-1", entry["member"])
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)

	// Create the agent without starting its autonomous loop.
	rec := env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
		"modelId": testModel,
		"frame":   frameDataURL(1, 2048),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agent/agent-1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(game.StatusPaused), decodeBody(t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/api/agent/agent-1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(game.StatusIdle), decodeBody(t, rec)["status"])
}

func TestResetClearsState(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agent/decide", map[string]any{
		"agentId": "agent-1",
		"modelId": testModel,
		"frame":   frameDataURL(1, 2048),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agent/agent-1/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	keys, err := env.kv.Keys(context.Background(), kv.AgentPrefix("agent-1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPauseUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/agent/ghost/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFormatParsed(t *testing.T) {
	p := checkpoint.ParseState([]byte("not a known container"))
	out := formatParsed("save-states/a/x.state", p)
	assert.Equal(t, fmt.Sprintf("save-states/a/x.state: unrecognized format, %d bytes", p.Size), out)
}
