package tracker

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/monitor"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

// Server exposes State over the JSON control plane.
type Server struct {
	state      *State
	listenAddr string
	metrics    fasthttp.RequestHandler

	mu  sync.Mutex
	srv *fasthttp.Server
	ln  net.Listener
}

func NewServer(state *State, listenAddr string) *Server {
	return &Server{
		state:      state,
		listenAddr: listenAddr,
		metrics:    monitor.Handler(),
	}
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/register":
		s.registerHandler(ctx)
	case path == "/heartbeat":
		s.heartbeatHandler(ctx)
	case path == "/publish":
		s.publishHandler(ctx)
	case path == "/replicate_done":
		s.replicateDoneHandler(ctx)
	case strings.HasPrefix(path, "/lookup/"):
		s.lookupHandler(ctx, strings.TrimPrefix(path, "/lookup/"))
	case path == "/peers":
		writeJSON(ctx, fasthttp.StatusOK, s.state.Peers())
	case path == "/files":
		writeJSON(ctx, fasthttp.StatusOK, s.state.Files())
	case path == "/summary":
		writeJSON(ctx, fasthttp.StatusOK, s.state.Summary())
	case path == "/health":
		writeJSON(ctx, fasthttp.StatusOK, protocol.HealthResponse{Status: "ok", Time: s.state.Now()})
	case path == "/metrics":
		s.metrics(ctx)
	default:
		writeJSON(ctx, fasthttp.StatusNotFound, protocol.StatusResponse{Status: "error", Error: "not found"})
	}
}

func (s *Server) registerHandler(ctx *fasthttp.RequestCtx) {
	if !requirePost(ctx) {
		return
	}
	var req protocol.RegisterRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.PeerID == "" || req.Host == "" || req.Port == 0 {
		badRequest(ctx, "peer_id, host and port are required")
		return
	}

	if err := s.state.RegisterOrHeartbeat(req.PeerID, req.Host, req.Port, req.DataPort, req.HostedFiles); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	logger.Sugar.Infof("[Tracker] peer registered: id=%s control=%s:%d data_port=%d", req.PeerID, req.Host, req.Port, req.DataPort)
	writeJSON(ctx, fasthttp.StatusOK, protocol.StatusResponse{Status: "ok", PeerID: req.PeerID})
}

func (s *Server) heartbeatHandler(ctx *fasthttp.RequestCtx) {
	if !requirePost(ctx) {
		return
	}
	var req protocol.HeartbeatRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if err := s.state.RegisterOrHeartbeat(req.PeerID, req.Host, req.Port, req.DataPort, nil); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, protocol.StatusResponse{Status: "ok"})
}

// publishBody defers decoding chunks so a non-array value can be told
// apart from a missing one.
type publishBody struct {
	PeerID   string          `json:"peer_id"`
	Filename string          `json:"filename"`
	Chunks   json.RawMessage `json:"chunks"`
	Size     *int64          `json:"size"`
}

func (s *Server) publishHandler(ctx *fasthttp.RequestCtx) {
	if !requirePost(ctx) {
		return
	}
	var body publishBody
	if !decodeBody(ctx, &body) {
		return
	}
	if body.PeerID == "" || body.Filename == "" {
		badRequest(ctx, "peer_id and filename are required")
		return
	}

	var chunks []string
	raw := bytes.TrimSpace(body.Chunks)
	if len(raw) == 0 || raw[0] != '[' || json.Unmarshal(raw, &chunks) != nil {
		badRequest(ctx, "chunks must be an array of hashes")
		return
	}
	if chunks == nil {
		chunks = []string{}
	}

	if err := s.state.Publish(body.PeerID, body.Filename, chunks, body.Size); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) replicateDoneHandler(ctx *fasthttp.RequestCtx) {
	if !requirePost(ctx) {
		return
	}
	var req protocol.ReplicateDoneRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if _, err := s.state.ReplicateDone(req.Filename, req.ChunkHash, req.PeerID); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) lookupHandler(ctx *fasthttp.RequestCtx, filename string) {
	if filename == "" {
		badRequest(ctx, "filename is required")
		return
	}
	resp, ok := s.state.Lookup(filename)
	if !ok {
		writeJSON(ctx, fasthttp.StatusNotFound, protocol.StatusResponse{Status: "error", Error: "file not found"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// Listen binds the control endpoint and serves it in the background.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	srv := &fasthttp.Server{
		Handler: s.handler,
		Name:    "chunkfabric-tracker",
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Sugar.Errorf("[Tracker] http server stopped: err=%v", err)
		}
	}()
	logger.Sugar.Infof("[Tracker] control endpoint listening: addr=%s", ln.Addr())
	return nil
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.listenAddr
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

func requirePost(ctx *fasthttp.RequestCtx) bool {
	if ctx.IsPost() {
		return true
	}
	writeJSON(ctx, fasthttp.StatusMethodNotAllowed, protocol.StatusResponse{Status: "error", Error: "POST required"})
	return false
}

func decodeBody(ctx *fasthttp.RequestCtx, v interface{}) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		badRequest(ctx, "missing JSON body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			badRequest(ctx, "invalid JSON body")
		} else {
			badRequest(ctx, err.Error())
		}
		return false
	}
	return true
}

func badRequest(ctx *fasthttp.RequestCtx, msg string) {
	writeJSON(ctx, fasthttp.StatusBadRequest, protocol.StatusResponse{Status: "error", Error: msg})
}

func writeJSON(ctx *fasthttp.RequestCtx, code int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(code)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		logger.Sugar.Errorf("[Tracker] encode response failed: path=%s err=%v", ctx.Path(), err)
	}
}
