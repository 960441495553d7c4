package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/adapter/filestore"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, xmesh.Defaults(), cfg)

	y := writeFile(t, "xmesh.yaml", "communicationMethod: ipc\nrole: client\nport: 9000\nagent:\n  id: a1\n  type: claude\n  name: one\n")
	cfg, err = loadConfig(y)
	require.NoError(t, err)
	assert.Equal(t, xmesh.MethodIPC, cfg.CommunicationMethod)
	assert.Equal(t, "client", cfg.Role)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "a1", cfg.Agent.ID)
	assert.Equal(t, xmesh.Defaults().MaxQueueSize, cfg.MaxQueueSize)

	j := writeFile(t, "xmesh.jsonc", `{
		// comments are allowed
		"role": "client",
		"port": 9100,
	}`)
	cfg, err = loadConfig(j)
	require.NoError(t, err)
	assert.Equal(t, "client", cfg.Role)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, xmesh.Defaults().CommunicationMethod, cfg.CommunicationMethod)

	_, err = loadConfig(writeFile(t, "bad.json", `{"port": "nope"}`))
	assert.ErrorIs(t, err, xmesh.ErrInvalidConfig)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOverrides(t *testing.T) {
	cfg := xmesh.Defaults()
	env := map[string]string{
		"XMESH_ROLE":       "client",
		"XMESH_PORT":       "7000",
		"XMESH_REDIS_ADDR": "localhost:6379",
		"XMESH_AGENT_ID":   "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, "client", cfg.Role)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.StoreOptions["addr"])
	assert.Equal(t, xmesh.Defaults().Agent.ID, cfg.Agent.ID)

	env["XMESH_PORT"] = "x"
	assert.Error(t, applyEnv(&cfg, lookup))

	fs := pflag.NewFlagSet("t", pflag.ContinueOnError)
	addOverrideFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "7100", "--agent-id", "flagged"}))
	cfg = xmesh.Defaults()
	cfg.Role = "client"
	require.NoError(t, applyFlags(&cfg, fs))
	assert.Equal(t, 7100, cfg.Port)
	assert.Equal(t, "flagged", cfg.Agent.ID)
	assert.Equal(t, "client", cfg.Role, "unset flags leave the value alone")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCmd(t *testing.T) {
	out, err := run(t, "config", "--format", "json", "--port", "9200")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.EqualValues(t, 9200, got["port"])

	_, err = run(t, "config", "--format", "toml")
	assert.Error(t, err)
}

func seedSnapshot(t *testing.T, dir string) {
	t.Helper()
	st, err := filestore.NewStore(filestore.Config{Path: dir, Perm: 0o644})
	require.NoError(t, err)
	src := xmesh.Agent{ID: "a1", Type: xmesh.AgentClaude, Name: "one"}
	msg := xmesh.NewMessage(src, xmesh.To(xmesh.Agent{ID: "gone", Type: xmesh.AgentCustom, Name: "gone"}),
		xmesh.Heartbeat, &xmesh.HeartbeatPayload{AgentID: "a1"})
	snap := xmesh.QueueSnapshot{
		DeadLetterQueue: []xmesh.QueueEntry{{
			ID:          msg.ID,
			Message:     msg,
			Attempts:    3,
			LastAttempt: time.Now(),
			Status:      xmesh.StatusDead,
			Error:       "no route",
		}},
		Timestamp: xmesh.Millis(time.Now()),
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), xmesh.DefaultQueueConfig().PersistenceKey, data))
}

func loadSnapshot(t *testing.T, dir string) xmesh.QueueSnapshot {
	t.Helper()
	st, err := filestore.NewStore(filestore.Config{Path: dir, Perm: 0o644})
	require.NoError(t, err)
	data, err := st.Load(context.Background(), xmesh.DefaultQueueConfig().PersistenceKey)
	require.NoError(t, err)
	var snap xmesh.QueueSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestDLQCmd(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--store", "file", "--persistence-path", dir}

	out, err := run(t, append([]string{"dlq", "inspect"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ATTEMPTS")
	assert.NotContains(t, out, "no route", "empty store has no dead letters")

	seedSnapshot(t, dir)
	out, err = run(t, append([]string{"dlq", "inspect"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "HEARTBEAT")
	assert.Contains(t, out, "gone")
	assert.Contains(t, out, "no route")

	out, err = run(t, append([]string{"dlq", "inspect", "--json"}, base...)...)
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 1)

	out, err = run(t, append([]string{"dlq", "retry"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 1")
	snap := loadSnapshot(t, dir)
	assert.Empty(t, snap.DeadLetterQueue)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, 0, snap.Queue[0].Attempts)
	assert.Equal(t, xmesh.StatusPending, snap.Queue[0].Status)

	seedSnapshot(t, dir)
	out, err = run(t, append([]string{"dlq", "clear"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared 1")
	assert.Empty(t, loadSnapshot(t, dir).DeadLetterQueue)
}

func TestSendOptions(t *testing.T) {
	o := sendOptions{typ: "knowledge_query", payload: `{"question":"who owns auth?"}`, priority: "high", to: "b2"}
	typ, payload, target, opts, err := o.build()
	require.NoError(t, err)
	assert.Equal(t, xmesh.KnowledgeQuery, typ)
	assert.Equal(t, "who owns auth?", payload.(*xmesh.KnowledgeQueryPayload).Question)
	assert.Equal(t, "b2", target.AgentID())
	assert.Len(t, opts, 1)

	o.typ = "NOPE"
	_, _, _, _, err = o.build()
	assert.ErrorIs(t, err, xmesh.ErrUnknownMessageType)

	o = sendOptions{typ: "HEARTBEAT", payload: `{"agentId":"a"}`, priority: "normal", channel: "nowhere"}
	_, _, _, _, err = o.build()
	assert.ErrorIs(t, err, xmesh.ErrInvalidMessage)
}

type fixedHealth xmesh.HealthStatus

func (f fixedHealth) Health(context.Context) xmesh.HealthStatus { return xmesh.HealthStatus(f) }

func TestHealthHandler(t *testing.T) {
	var target xmesh.HealthChecker
	h := healthHandler(func() xmesh.HealthChecker { return target })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	target = fixedHealth{Status: "degraded"}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")

	target = fixedHealth{Status: "unhealthy"}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
