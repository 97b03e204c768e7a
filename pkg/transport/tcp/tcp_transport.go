package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/monitor"
	"tarun-kavipurapu/chunk-fabric/pkg/storage"
	"tarun-kavipurapu/chunk-fabric/pkg/transport"
)

const (
	DefaultTimeout = 10 * time.Second
	// MaxChunkSize rejects absurd PUT sizes before any disk is touched.
	MaxChunkSize = 1 << 30
)

var _ transport.Transport = (*TCPTransport)(nil)

// ErrRejected is wrapped by every RemoteError.
var ErrRejected = errors.New("transfer rejected by remote")

// RemoteError is an "ERR <reason>" reply from the other side.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote replied ERR %s", e.Reason)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return true
	case storage.ErrHashMismatch:
		return e.Reason == "hash"
	case storage.ErrNotFound:
		return e.Reason == "Not found"
	}
	return false
}

// TCPTransport serves the chunk transfer protocol for one content store and
// dials other peers for outbound transfers. Every transfer uses its own
// connection.
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	store      *storage.Store
	timeout    time.Duration

	// OnReceive, if set, is called after an inbound PUT has been committed.
	OnReceive func(hash string, size int64)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewTCPTransport(addr string, store *storage.Store, timeout time.Duration) *TCPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPTransport{
		listenAddr: addr,
		store:      store,
		timeout:    timeout,
	}
}

func (t *TCPTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	logger.Sugar.Infof("[TCPTransport] listening: addr=%s store=%s", ln.Addr(), t.store.Dir())
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

func (t *TCPTransport) handleConn(raw net.Conn) {
	defer raw.Close()
	conn := withIdleTimeout(raw, t.timeout, time.Time{})
	remote := raw.RemoteAddr().String()

	fields, err := readHeader(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Sugar.Warnf("[TCPTransport] read header error: remote=%s err=%v", remote, err)
		}
		return
	}

	switch fields[0] {
	case CmdPut:
		t.handlePut(conn, remote, fields)
	case CmdGet:
		t.handleGet(conn, remote, fields)
	default:
		logger.Sugar.Warnf("[TCPTransport] unknown command: remote=%s cmd=%q", remote, fields[0])
		_ = writeHeader(conn, ReplyErr, "Unknown command")
	}
}

// handlePut implements the receiving side of "PUT <hash> <size>".
func (t *TCPTransport) handlePut(conn net.Conn, remote string, fields []string) {
	if len(fields) != 3 {
		_ = writeHeader(conn, ReplyErr, "bad header")
		return
	}
	hash := fields[1]
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if !storage.ValidHash(hash) || err != nil || size < 0 || size > MaxChunkSize {
		logger.Sugar.Warnf("[TCPTransport] rejected PUT header: remote=%s header=%q", remote, strings.Join(fields, " "))
		_ = writeHeader(conn, ReplyErr, "bad header")
		return
	}

	started := time.Now()
	if err := t.store.Commit(hash, conn, size); err != nil {
		mismatch := errors.Is(err, storage.ErrHashMismatch)
		monitor.RecordTransferFailure("put", mismatch)
		reason := "io"
		switch {
		case mismatch:
			reason = "hash"
		case errors.Is(err, storage.ErrSizeMismatch):
			reason = "size"
		}
		logger.Sugar.Warnf("[TCPTransport] PUT failed: remote=%s hash=%s size=%d err=%v", remote, short(hash), size, err)
		_ = writeHeader(conn, ReplyErr, reason)
		return
	}

	monitor.RecordTransfer("put", size, false, started)
	if err := writeHeader(conn, ReplyOK); err != nil {
		logger.Sugar.Warnf("[TCPTransport] PUT ack failed: remote=%s hash=%s err=%v", remote, short(hash), err)
	}
	logger.Sugar.Infof("[TCPTransport] received chunk: hash=%s size=%d from=%s", short(hash), size, remote)

	if t.OnReceive != nil {
		t.OnReceive(hash, size)
	}
}

// handleGet implements the serving side of "GET <hash>".
func (t *TCPTransport) handleGet(conn net.Conn, remote string, fields []string) {
	if len(fields) != 2 {
		_ = writeHeader(conn, ReplyErr, "bad header")
		return
	}
	hash := fields[1]

	f, size, err := t.store.Open(hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrInvalidHash) {
			logger.Sugar.Errorf("[TCPTransport] open chunk failed: hash=%s err=%v", short(hash), err)
		}
		_ = writeHeader(conn, ReplyErr, "Not found")
		return
	}
	defer f.Close()

	started := time.Now()
	if err := writeHeader(conn, ReplySize, strconv.FormatInt(size, 10)); err != nil {
		return
	}
	if _, err := io.CopyN(conn, f, size); err != nil {
		monitor.RecordTransferFailure("get", false)
		logger.Sugar.Warnf("[TCPTransport] GET send failed: remote=%s hash=%s err=%v", remote, short(hash), err)
		return
	}
	monitor.RecordTransfer("get", size, true, started)
	logger.Sugar.Infof("[TCPTransport] sent chunk: hash=%s size=%d to=%s", short(hash), size, remote)
}

// dial opens one transfer connection. The returned conn enforces the idle
// timeout and never outlives ctx's deadline.
func (t *TCPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	return withIdleTimeout(raw, t.timeout, deadline), nil
}

// PutChunk pushes a chunk from the local store to addr.
func (t *TCPTransport) PutChunk(ctx context.Context, addr string, hash string) error {
	f, size, err := t.store.Open(hash)
	if err != nil {
		return err
	}
	defer f.Close()
	return t.SendChunk(ctx, addr, hash, f, size)
}

// SendChunk sends exactly size bytes from r to addr claiming they hash to
// hash, and waits for the receiver's verdict.
func (t *TCPTransport) SendChunk(ctx context.Context, addr string, hash string, r io.Reader, size int64) error {
	started := time.Now()
	conn, err := t.dial(ctx, addr)
	if err != nil {
		monitor.RecordTransferFailure("put", false)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	err = func() error {
		if err := writeHeader(conn, CmdPut, hash, strconv.FormatInt(size, 10)); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		if _, err := io.CopyN(conn, r, size); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		if err := closeWrite(conn); err != nil {
			return fmt.Errorf("close send side: %w", err)
		}

		reply, err := readHeader(conn)
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		switch reply[0] {
		case ReplyOK:
			return nil
		case ReplyErr:
			return &RemoteError{Reason: strings.Join(reply[1:], " ")}
		default:
			return fmt.Errorf("%w: unexpected reply %q", ErrBadHeader, strings.Join(reply, " "))
		}
	}()
	if err != nil {
		monitor.RecordTransferFailure("put", errors.Is(err, storage.ErrHashMismatch))
		return err
	}

	monitor.RecordTransfer("put", size, true, started)
	return nil
}

// GetChunk pulls hash from addr and commits it into the local store. The
// bytes are verified here no matter what the sender claims.
func (t *TCPTransport) GetChunk(ctx context.Context, addr string, hash string) (int64, error) {
	if !storage.ValidHash(hash) {
		return 0, storage.ErrInvalidHash
	}

	started := time.Now()
	conn, err := t.dial(ctx, addr)
	if err != nil {
		monitor.RecordTransferFailure("get", false)
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	size, err := func() (int64, error) {
		if err := writeHeader(conn, CmdGet, hash); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}

		reply, err := readHeader(conn)
		if err != nil {
			return 0, fmt.Errorf("read reply: %w", err)
		}
		switch reply[0] {
		case ReplySize:
			if len(reply) != 2 {
				return 0, fmt.Errorf("%w: %q", ErrBadHeader, strings.Join(reply, " "))
			}
			size, err := strconv.ParseInt(reply[1], 10, 64)
			if err != nil || size < 0 || size > MaxChunkSize {
				return 0, fmt.Errorf("%w: bad size %q", ErrBadHeader, reply[1])
			}
			if err := t.store.Commit(hash, conn, size); err != nil {
				return 0, err
			}
			return size, nil
		case ReplyErr:
			return 0, &RemoteError{Reason: strings.Join(reply[1:], " ")}
		default:
			return 0, fmt.Errorf("%w: unexpected reply %q", ErrBadHeader, strings.Join(reply, " "))
		}
	}()
	if err != nil {
		monitor.RecordTransferFailure("get", errors.Is(err, storage.ErrHashMismatch))
		return 0, err
	}

	monitor.RecordTransfer("get", size, false, started)
	return size, nil
}

func (t *TCPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops accepting and waits for in-progress transfers to finish.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	t.wg.Wait()
	return err
}

// Addr returns the bound address once listening, the configured one before.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}

func short(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
