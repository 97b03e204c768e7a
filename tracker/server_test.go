package tracker

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

func do(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != "" {
		ctx.Request.SetBodyString(body)
		ctx.Request.Header.SetContentType("application/json")
	}
	s.handler(&ctx)
	return ctx.Response.StatusCode(), append([]byte(nil), ctx.Response.Body()...)
}

func TestServer_RegisterValidation(t *testing.T) {
	s := NewServer(NewState(), "127.0.0.1:0")

	code, _ := do(t, s, "POST", "/register", `{"host":"h","port":1}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	code, _ = do(t, s, "POST", "/register", `{"peer_id":"p1","port":1}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	code, _ = do(t, s, "POST", "/register", `{"peer_id":"p1","host":"h"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	code, _ = do(t, s, "POST", "/register", `not json`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	code, _ = do(t, s, "GET", "/register", "")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, code)

	code, body := do(t, s, "POST", "/register", `{"peer_id":"p1","host":"10.0.0.1","port":9001,"data_port":9011}`)
	require.Equal(t, fasthttp.StatusOK, code)
	var resp protocol.StatusResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, protocol.StatusResponse{Status: "ok", PeerID: "p1"}, resp)
}

func TestServer_HeartbeatRequiresPeerID(t *testing.T) {
	s := NewServer(NewState(), "127.0.0.1:0")
	code, _ := do(t, s, "POST", "/heartbeat", `{"host":"h"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, _ = do(t, s, "POST", "/heartbeat", `{"peer_id":"p9"}`)
	assert.Equal(t, fasthttp.StatusOK, code)
	_, ok := s.state.Peer("p9")
	assert.True(t, ok, "first heartbeat creates the peer")
}

func TestServer_PublishValidation(t *testing.T) {
	s := NewServer(NewState(), "127.0.0.1:0")

	for _, body := range []string{
		`{"filename":"a","chunks":[]}`,
		`{"peer_id":"p1","chunks":[]}`,
		`{"peer_id":"p1","filename":"a"}`,
		`{"peer_id":"p1","filename":"a","chunks":"h1"}`,
		`{"peer_id":"p1","filename":"a","chunks":{"h1":1}}`,
	} {
		code, _ := do(t, s, "POST", "/publish", body)
		assert.Equal(t, fasthttp.StatusBadRequest, code, body)
	}
	assert.Empty(t, s.state.Files())
}

func TestServer_PublishLookupFlow(t *testing.T) {
	s := NewServer(NewState(), "127.0.0.1:0")
	do(t, s, "POST", "/register", `{"peer_id":"p1","host":"10.0.0.1","port":9001,"data_port":9011}`)
	do(t, s, "POST", "/register", `{"peer_id":"p2","host":"10.0.0.2","port":9002,"data_port":9012}`)

	code, _ := do(t, s, "POST", "/publish", `{"peer_id":"p1","filename":"a.txt","chunks":["h1","h2"],"size":10}`)
	require.Equal(t, fasthttp.StatusOK, code)
	code, _ = do(t, s, "POST", "/replicate_done", `{"filename":"a.txt","chunk_hash":"h1","peer_id":"p2"}`)
	require.Equal(t, fasthttp.StatusOK, code)

	code, body := do(t, s, "GET", "/lookup/a.txt", "")
	require.Equal(t, fasthttp.StatusOK, code)
	var lookup protocol.LookupResponse
	require.NoError(t, json.Unmarshal(body, &lookup))
	assert.Equal(t, "a.txt", lookup.File)
	assert.Equal(t, []string{"h1", "h2"}, lookup.Order)
	require.Len(t, lookup.Chunks["h1"], 2)
	assert.Equal(t, "p2", lookup.Chunks["h1"][1].PeerID)
	assert.Equal(t, 9012, lookup.Chunks["h1"][1].DataPort)
	assert.Equal(t, protocol.StatusAlive, lookup.Chunks["h1"][1].Status)

	code, body = do(t, s, "GET", "/lookup/missing.txt", "")
	assert.Equal(t, fasthttp.StatusNotFound, code)
	assert.Contains(t, string(body), "error")

	code, body = do(t, s, "GET", "/summary", "")
	require.Equal(t, fasthttp.StatusOK, code)
	var sum protocol.Summary
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, 2, sum.PeersAlive)
	assert.Equal(t, 1, sum.FilesTotal)

	code, body = do(t, s, "GET", "/peers", "")
	require.Equal(t, fasthttp.StatusOK, code)
	var peers map[string]protocol.PeerRecord
	require.NoError(t, json.Unmarshal(body, &peers))
	assert.Len(t, peers, 2)

	code, body = do(t, s, "GET", "/files", "")
	require.Equal(t, fasthttp.StatusOK, code)
	var files map[string]protocol.FileRecord
	require.NoError(t, json.Unmarshal(body, &files))
	assert.Equal(t, []string{"p1", "p2"}, files["a.txt"].Chunks["h1"])
}

func TestServer_ReplicateDoneUnknownFile(t *testing.T) {
	s := NewServer(NewState(), "127.0.0.1:0")
	code, _ := do(t, s, "POST", "/replicate_done", `{"filename":"new.bin","chunk_hash":"h1","peer_id":"p2"}`)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, s.state.Files(), "new.bin")
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := NewServer(NewState(), "127.0.0.1:0")
	code, body := do(t, s, "GET", "/health", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)

	code, body = do(t, s, "GET", "/metrics", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), "chunkfabric_peers_alive")
}

func TestServer_ListenAndShutdown(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s := NewServer(NewState(), addr)
	require.NoError(t, s.Listen())
	assert.Equal(t, addr, s.Addr())

	code, body, err := fasthttp.GetTimeout(nil, "http://"+addr+"/health", time.Second)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), "ok")

	require.NoError(t, s.Shutdown())
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}
