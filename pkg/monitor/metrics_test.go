package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestRecordTransfer(t *testing.T) {
	m := Transfer()
	sent := testutil.ToFloat64(m.BytesSent)
	received := testutil.ToFloat64(m.BytesReceived)
	ok := testutil.ToFloat64(m.Transfers.WithLabelValues("put", "ok"))

	RecordTransfer("put", 1024, true, time.Now().Add(-time.Millisecond))
	RecordTransfer("get", 512, false, time.Now())

	assert.Equal(t, sent+1024, testutil.ToFloat64(m.BytesSent))
	assert.Equal(t, received+512, testutil.ToFloat64(m.BytesReceived))
	assert.Equal(t, ok+1, testutil.ToFloat64(m.Transfers.WithLabelValues("put", "ok")))
}

func TestRecordTransferFailure(t *testing.T) {
	m := Transfer()
	mismatches := testutil.ToFloat64(m.HashMismatches)
	failed := testutil.ToFloat64(m.Transfers.WithLabelValues("put", "error"))

	RecordTransferFailure("put", true)
	RecordTransferFailure("put", false)

	assert.Equal(t, mismatches+1, testutil.ToFloat64(m.HashMismatches))
	assert.Equal(t, failed+2, testutil.ToFloat64(m.Transfers.WithLabelValues("put", "error")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	Tracker().PeersAlive.Set(3)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	Handler()(&ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := string(ctx.Response.Body())
	assert.Contains(t, body, "chunkfabric_peers_alive 3")
	assert.Contains(t, body, "go_goroutines")
}

func TestLogPeriodicStops(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		LogPeriodic(ctx, 5*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogPeriodic did not return after cancel")
	}
}
