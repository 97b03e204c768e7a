package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

// ErrFileNotFound is returned by Lookup when the tracker answers 404.
var ErrFileNotFound = errors.New("file not known to tracker")

// TrackerClient speaks the tracker's JSON control plane.
type TrackerClient struct {
	addr    string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewTrackerClient(addr string, timeout time.Duration) *TrackerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TrackerClient{
		addr: addr,
		client: &fasthttp.Client{
			Name:         "chunkfabric-peer",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

func (c *TrackerClient) Addr() string { return c.addr }

func (c *TrackerClient) Register(ctx context.Context, req protocol.RegisterRequest) error {
	return c.post(ctx, "/register", req, nil)
}

func (c *TrackerClient) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	return c.post(ctx, "/heartbeat", req, nil)
}

func (c *TrackerClient) Publish(ctx context.Context, req protocol.PublishRequest) error {
	return c.post(ctx, "/publish", req, nil)
}

func (c *TrackerClient) ReplicateDone(ctx context.Context, req protocol.ReplicateDoneRequest) error {
	return c.post(ctx, "/replicate_done", req, nil)
}

func (c *TrackerClient) Lookup(ctx context.Context, filename string) (*protocol.LookupResponse, error) {
	var resp protocol.LookupResponse
	if err := c.get(ctx, "/lookup/"+url.PathEscape(filename), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *TrackerClient) Peers(ctx context.Context) (map[string]protocol.PeerRecord, error) {
	peers := make(map[string]protocol.PeerRecord)
	if err := c.get(ctx, "/peers", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *TrackerClient) Summary(ctx context.Context) (*protocol.Summary, error) {
	var sum protocol.Summary
	if err := c.get(ctx, "/summary", &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *TrackerClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, fasthttp.MethodPost, path, data, out)
}

func (c *TrackerClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, fasthttp.MethodGet, path, nil, out)
}

func (c *TrackerClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + c.addr + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound && method == fasthttp.MethodGet:
		return ErrFileNotFound
	case code < 200 || code >= 300:
		var status protocol.StatusResponse
		_ = json.Unmarshal(resp.Body(), &status)
		msg := status.Error
		if msg == "" {
			msg = string(resp.Body())
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, code, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
