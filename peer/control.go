package peer

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/monitor"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

// controlServer is the peer's JSON endpoint the tracker sends tasks to.
type controlServer struct {
	peer       *PeerServer
	listenAddr string
	metrics    fasthttp.RequestHandler

	mu  sync.Mutex
	srv *fasthttp.Server
	ln  net.Listener
}

func newControlServer(p *PeerServer, listenAddr string) *controlServer {
	return &controlServer{peer: p, listenAddr: listenAddr, metrics: monitor.Handler()}
}

func (c *controlServer) handler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/replicate":
		c.replicateHandler(ctx)
	case "/chunks":
		c.chunksHandler(ctx)
	case "/health":
		writeJSON(ctx, fasthttp.StatusOK, protocol.HealthResponse{Status: "ok", Time: time.Now().UTC()})
	case "/metrics":
		c.metrics(ctx)
	default:
		writeJSON(ctx, fasthttp.StatusNotFound, protocol.StatusResponse{Status: "error", Msg: "not found"})
	}
}

func (c *controlServer) replicateHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		writeJSON(ctx, fasthttp.StatusMethodNotAllowed, protocol.StatusResponse{Status: "error", Msg: "POST required"})
		return
	}

	var task protocol.ReplicateTask
	if err := json.Unmarshal(ctx.PostBody(), &task); err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest, protocol.StatusResponse{Status: "error", Msg: "invalid JSON body"})
		return
	}
	if task.SrcPeer != "" && task.SrcPeer != c.peer.cfg.ID {
		logger.Sugar.Warnf("[PeerServer] task addressed to another source: task=%s src=%s self=%s", task.TaskID, task.SrcPeer, c.peer.cfg.ID)
	}

	executor := c.peer.executor
	if executor == nil {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, protocol.StatusResponse{Status: "error", Msg: "not registered"})
		return
	}

	err := executor.Accept(task)
	switch {
	case err == nil:
		logger.Sugar.Infof("[PeerServer] replicate accepted: task=%s file=%s chunk=%s dst=%s",
			task.TaskID, task.FileName, shortHash(task.ChunkHash), task.DstPeer)
		writeJSON(ctx, fasthttp.StatusAccepted, protocol.StatusResponse{Status: "accepted"})
	case errors.Is(err, ErrChunkNotFound):
		writeJSON(ctx, fasthttp.StatusNotFound, protocol.StatusResponse{Status: "error", Msg: "chunk not found"})
	case errors.Is(err, ErrInvalidTask):
		writeJSON(ctx, fasthttp.StatusBadRequest, protocol.StatusResponse{Status: "error", Msg: err.Error()})
	default:
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, protocol.StatusResponse{Status: "error", Msg: err.Error()})
	}
}

func (c *controlServer) chunksHandler(ctx *fasthttp.RequestCtx) {
	chunks, err := c.peer.store.List()
	if err != nil {
		writeJSON(ctx, fasthttp.StatusInternalServerError, protocol.StatusResponse{Status: "error", Msg: err.Error()})
		return
	}
	if chunks == nil {
		chunks = []string{}
	}
	writeJSON(ctx, fasthttp.StatusOK, protocol.ChunkList{Chunks: chunks})
}

func (c *controlServer) Listen() error {
	ln, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return err
	}
	srv := &fasthttp.Server{
		Handler: c.handler,
		Name:    "chunkfabric-peer",
	}

	c.mu.Lock()
	c.ln = ln
	c.srv = srv
	c.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Sugar.Errorf("[PeerServer] control server stopped: err=%v", err)
		}
	}()
	logger.Sugar.Infof("[PeerServer] control endpoint listening: addr=%s", ln.Addr())
	return nil
}

func (c *controlServer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return c.ln.Addr().String()
	}
	return c.listenAddr
}

func (c *controlServer) Shutdown() error {
	c.mu.Lock()
	srv := c.srv
	c.srv = nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

func writeJSON(ctx *fasthttp.RequestCtx, code int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(code)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		logger.Sugar.Errorf("[PeerServer] encode response failed: path=%s err=%v", ctx.Path(), err)
	}
}
