package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

// ErrSourceMissingChunk means the source peer answered 404 to a task.
var ErrSourceMissingChunk = errors.New("source peer does not hold the chunk")

// HTTPDispatcher posts replicate tasks to a peer's /replicate endpoint.
type HTTPDispatcher struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		client: &fasthttp.Client{
			Name:         "chunkfabric-tracker",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, src protocol.PeerRecord, task protocol.ReplicateTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + src.ControlAddr() + "/replicate")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(d.timeout)
	}
	if err := d.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("post /replicate to %s: %w", src.ControlAddr(), err)
	}

	switch code := resp.StatusCode(); code {
	case fasthttp.StatusOK, fasthttp.StatusAccepted:
		return nil
	case fasthttp.StatusNotFound:
		return ErrSourceMissingChunk
	default:
		return fmt.Errorf("post /replicate to %s: status %d: %s", src.ControlAddr(), code, resp.Body())
	}
}
