package admin

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/replica"
	"github.com/replikv/replikv/internal/replication"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

type nopHints struct{}

func (nopHints) Queue(target string, rec storage.Record) error { return nil }

// newTestServer wires a single-node cluster behind the admin surface.
func newTestServer(t *testing.T) (*Server, *replica.Store) {
	t.Helper()
	return newTestServerAuth(t, config.AuthConfig{})
}

func newTestServerAuth(t *testing.T, auth config.AuthConfig) (*Server, *replica.Store) {
	t.Helper()

	const id = "node-0"
	members := map[string]cluster.Member{
		id: {
			ID:       id,
			DataAddr: id + ":data",
			Health:   cluster.HealthAlive,
			Tokens:   cluster.Tokens(id, 64),
		},
	}
	ring := cluster.NewRing(1, members)

	engine := storage.NewMemoryEngine()
	reg := metrics.NewRegistry()
	router := routing.NewRouter(ring, engine.Keys, reg, logging.Nop())

	network := transport.NewLocalNetwork()
	mux := transport.NewMux()
	tr := network.Register(id+":data", mux.Handler())

	repCfg := config.ReplicationConfig{
		Factor:         1,
		WriteQuorum:    1,
		ReadQuorum:     1,
		RequestTimeout: 500 * time.Millisecond,
		ConflictPolicy: replication.PolicySurface,
	}
	server := replication.NewServer(id, engine, router, func() int { return repCfg.Factor }, reg, logging.Nop())
	server.Register(mux)
	coord := replication.NewCoordinator(id, repCfg, router, tr, engine, nopHints{}, nil, reg, logging.Nop())

	replicas := replica.NewStore()
	src := Sources{
		NodeID:      id,
		Ring:        router.Snapshot,
		Replicas:    replicas.Snapshot,
		HintDepth:   func() int { return 2 },
		HintTargets: func() map[string]int { return map[string]int{"node-1": 2} },
		Keys:        engine.Keys,
		Coordinator: coord,
	}
	return NewServer(config.AdminConfig{Enabled: true, Host: "127.0.0.1", Port: 0}, auth, src, logging.Nop()), replicas
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, out interface{}) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp healthResponse
	if code := doJSON(t, s, http.MethodGet, "/health", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Status != "healthy" || resp.NodeID != "node-0" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp statusResponse
	if code := doJSON(t, s, http.MethodGet, "/status", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.RingVersion != 1 {
		t.Fatalf("ring version = %d, want 1", resp.RingVersion)
	}
	if resp.Members["alive"] != 1 {
		t.Fatalf("alive count = %d, want 1", resp.Members["alive"])
	}
	if resp.HintDepth != 2 {
		t.Fatalf("hint depth = %d, want 2", resp.HintDepth)
	}
	if resp.Checksum == "" {
		t.Fatal("checksum missing")
	}
}

func TestRingEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp ringResponse
	if code := doJSON(t, s, http.MethodGet, "/ring", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Nodes != 1 || len(resp.Members) != 1 {
		t.Fatalf("unexpected ring response: %+v", resp)
	}
	m := resp.Members[0]
	if m.ID != "node-0" || m.Health != "alive" || m.Tokens != 64 {
		t.Fatalf("unexpected member view: %+v", m)
	}
}

func TestReplicasEndpoint(t *testing.T) {
	s, replicas := newTestServer(t)
	replicas.Track(replica.Pair{Partition: 3, Node: "node-1"})

	var resp []replicaView
	if code := doJSON(t, s, http.MethodGet, "/replicas", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp) != 1 || resp[0].Partition != 3 || resp[0].Status != "stale" {
		t.Fatalf("unexpected replicas response: %+v", resp)
	}
}

func TestHintsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp hintsResponse
	if code := doJSON(t, s, http.MethodGet, "/hints", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Depth != 2 || resp.Targets["node-1"] != 2 {
		t.Fatalf("unexpected hints response: %+v", resp)
	}
}

func TestKeyValueRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	put := writeRequest{Value: base64.StdEncoding.EncodeToString([]byte("hello"))}
	var putResp keyResponse
	if code := doJSON(t, s, http.MethodPut, "/v1/kv/greeting", put, &putResp); code != http.StatusOK {
		t.Fatalf("put status = %d", code)
	}
	if putResp.Version["node-0"] != 1 {
		t.Fatalf("unexpected version: %v", putResp.Version)
	}

	var getResp keyResponse
	if code := doJSON(t, s, http.MethodGet, "/v1/kv/greeting", nil, &getResp); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	value, err := base64.StdEncoding.DecodeString(getResp.Value)
	if err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if string(value) != "hello" {
		t.Fatalf("value = %q, want hello", value)
	}

	del := writeRequest{Version: getResp.Version}
	if code := doJSON(t, s, http.MethodDelete, "/v1/kv/greeting", del, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if code := doJSON(t, s, http.MethodGet, "/v1/kv/greeting", nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", code)
	}
}

func TestGetMissingKeyReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	var resp errorResponse
	if code := doJSON(t, s, http.MethodGet, "/v1/kv/nope", nil, &resp); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestPutRejectsInvalidBase64(t *testing.T) {
	s, _ := newTestServer(t)

	put := writeRequest{Value: "not base64!!!"}
	if code := doJSON(t, s, http.MethodPut, "/v1/kv/bad", put, nil); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
}

func TestManyKeysShowInStatus(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		put := writeRequest{Value: base64.StdEncoding.EncodeToString([]byte("v"))}
		path := fmt.Sprintf("/v1/kv/key-%d", i)
		if code := doJSON(t, s, http.MethodPut, path, put, nil); code != http.StatusOK {
			t.Fatalf("put %s status = %d", path, code)
		}
	}

	var resp statusResponse
	if code := doJSON(t, s, http.MethodGet, "/status", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Keys != 5 {
		t.Fatalf("keys = %d, want 5", resp.Keys)
	}
}

func TestAuthGuardsEverythingButHealth(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"
	s, _ := newTestServerAuth(t, config.AuthConfig{Enabled: true, APIKeys: []string{key}})

	if code := doJSON(t, s, http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health without key = %d, want 200", code)
	}
	if code := doJSON(t, s, http.MethodGet, "/status", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-API-Key", key)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", resp.StatusCode)
	}
}
