package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/graph"
	"localcloud/internal/intrinsics"
	"localcloud/internal/orchestrator"
	"localcloud/internal/provider"
)

type fakeProvider struct {
	*provider.Base
	resets int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{Base: provider.NewBase(name)}
}

func (f *fakeProvider) Start(ctx context.Context) error {
	return f.RunStart(ctx, func(ctx context.Context) error { return nil })
}

func (f *fakeProvider) Stop(ctx context.Context) error {
	return f.RunStop(ctx, func(ctx context.Context) error { return nil })
}

func (f *fakeProvider) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeProvider) Reset(ctx context.Context) error {
	f.resets++
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeProvider, *orchestrator.Orchestrator) {
	t.Helper()
	registry := provider.NewRegistry()
	fp := newFakeProvider("kvstore")
	require.NoError(t, registry.Register(fp))

	orch, err := orchestrator.New(registry, []string{"kvstore"}, orchestrator.Config{})
	require.NoError(t, err)

	g := graph.New()
	require.NoError(t, g.AddNode(graph.Node{ID: "Table", Kind: graph.KindKVTable}))
	require.NoError(t, g.AddNode(graph.Node{ID: "Fn", Kind: graph.KindFunction}))
	require.NoError(t, g.AddEdge("Fn", "Table", graph.RelationDependsOn))

	refs := intrinsics.NewRefMap()
	refs.Set("Table", "orders")
	refs.Set("Table.Arn", "arn:aws:dynamodb:local-1:000000000000:table/orders")

	return NewServer(registry, orch, g, refs, nil), fp, orch
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	return w
}

func TestHealthTracksOrchestrator(t *testing.T) {
	s, _, orch := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/_mgmt/health").Code)

	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop(context.Background())
	assert.Equal(t, http.StatusOK, get(t, h, "/_mgmt/health").Code)
}

func TestStatusListsProviders(t *testing.T) {
	s, _, orch := newTestServer(t)
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop(context.Background())

	w := get(t, s.Handler(), "/_mgmt/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Running)
	require.Len(t, got.Providers, 1)
	assert.Equal(t, "kvstore", got.Providers[0].Name)
	assert.True(t, got.Providers[0].Healthy)
}

func TestResourcesExposeResolvedValues(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := get(t, s.Handler(), "/_mgmt/resources")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Resources []resourceEntry `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Resources, 2)

	byID := map[string]resourceEntry{}
	for _, r := range got.Resources {
		byID[r.LogicalID] = r
	}
	assert.Equal(t, "orders", byID["Table"].Value)
	assert.Contains(t, byID["Table"].Arn, ":table/orders")
	assert.Equal(t, []string{"Table"}, byID["Fn"].DependsOn)
}

func TestResetCallsResetters(t *testing.T) {
	s, fp, orch := newTestServer(t)
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop(context.Background())

	w := post(t, s.Handler(), "/_mgmt/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fp.resets)
}

func TestShutdownRequestsStop(t *testing.T) {
	s, _, orch := newTestServer(t)

	w := post(t, s.Handler(), "/_mgmt/shutdown")
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-orch.ShutdownRequested():
	default:
		t.Fatal("shutdown was not requested")
	}
}
