package tcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/chunk-fabric/pkg/storage"
)

func startTransport(t *testing.T, timeout time.Duration) (*TCPTransport, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	tr := NewTCPTransport("127.0.0.1:0", store, timeout)
	require.NoError(t, tr.ListenAndAccept())
	t.Cleanup(func() { tr.Close() })
	return tr, store
}

func TestPutThenGet_RoundTrip(t *testing.T) {
	receiver, receiverStore := startTransport(t, time.Second)
	sender, senderStore := startTransport(t, time.Second)
	puller, pullerStore := startTransport(t, time.Second)

	data := bytes.Repeat([]byte("chunk-data-"), 10000)
	hash, err := senderStore.Put(data)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sender.PutChunk(ctx, receiver.Addr(), hash))

	got, err := receiverStore.Read(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := puller.GetChunk(ctx, receiver.Addr(), hash)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	got, err = pullerStore.Read(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPut_OnReceiveCallback(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	received := make(chan string, 1)
	receiver := NewTCPTransport("127.0.0.1:0", store, time.Second)
	receiver.OnReceive = func(hash string, size int64) { received <- hash }
	require.NoError(t, receiver.ListenAndAccept())
	defer receiver.Close()

	sender, senderStore := startTransport(t, time.Second)
	hash, err := senderStore.Put([]byte("notify me"))
	require.NoError(t, err)

	require.NoError(t, sender.PutChunk(context.Background(), receiver.Addr(), hash))
	select {
	case got := <-received:
		assert.Equal(t, hash, got)
	case <-time.After(2 * time.Second):
		t.Fatal("OnReceive was not called")
	}
}

func TestPut_HashMismatchRejected(t *testing.T) {
	receiver, receiverStore := startTransport(t, time.Second)
	sender, _ := startTransport(t, time.Second)

	claimed := storage.HashBytes([]byte("the real bytes"))
	forged := []byte("some other bytes")

	err := sender.SendChunk(context.Background(), receiver.Addr(), claimed, bytes.NewReader(forged), int64(len(forged)))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrHashMismatch)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, receiverStore.Has(claimed))

	hashes, err := receiverStore.List()
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestPut_HashMismatchLeavesExistingChunk(t *testing.T) {
	receiver, receiverStore := startTransport(t, time.Second)
	sender, _ := startTransport(t, time.Second)

	original := []byte("the real bytes")
	hash, err := receiverStore.Put(original)
	require.NoError(t, err)

	forged := []byte("different bytes")
	err = sender.SendChunk(context.Background(), receiver.Addr(), hash, bytes.NewReader(forged), int64(len(forged)))
	require.ErrorIs(t, err, storage.ErrHashMismatch)

	got, err := receiverStore.Read(hash)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestGet_NotFound(t *testing.T) {
	holder, _ := startTransport(t, time.Second)
	puller, pullerStore := startTransport(t, time.Second)

	hash := storage.HashBytes([]byte("nobody has this"))
	_, err := puller.GetChunk(context.Background(), holder.Addr(), hash)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, pullerStore.Has(hash))
}

func TestGet_HashMismatchDiscarded(t *testing.T) {
	puller, pullerStore := startTransport(t, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	served := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			served <- ""
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		io.WriteString(conn, "SIZE 3\nbad")
		served <- line
	}()

	hash := storage.HashBytes([]byte("good"))
	_, err = puller.GetChunk(context.Background(), ln.Addr().String(), hash)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrHashMismatch)
	assert.Equal(t, "GET "+hash+"\n", <-served)
	assert.False(t, pullerStore.Has(hash))

	entries, err := os.ReadDir(pullerStore.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".incoming-"), "temp file left behind: %s", e.Name())
	}
}

func TestGet_WireFormat(t *testing.T) {
	holder, store := startTransport(t, time.Second)
	data := []byte("hello chunk")
	hash, err := store.Put(data)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", holder.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET "+hash+"\n")
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SIZE 11\n", line)

	payload, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, payload)
}

func TestGet_MissingWireFormat(t *testing.T) {
	holder, _ := startTransport(t, time.Second)

	conn, err := net.Dial("tcp", holder.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET "+storage.HashBytes([]byte("x"))+"\n")
	require.NoError(t, err)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ERR Not found\n", string(reply))
}

func TestPut_WireFormat(t *testing.T) {
	receiver, store := startTransport(t, time.Second)
	data := []byte("raw bytes over the wire")
	hash := storage.HashBytes(data)

	conn, err := net.Dial("tcp", receiver.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "PUT "+hash+" 23\n")
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", string(reply))
	assert.True(t, store.Has(hash))
}

func TestPut_BadHeader(t *testing.T) {
	receiver, _ := startTransport(t, time.Second)

	for _, header := range []string{
		"PUT ../../etc/passwd 10\n",
		"PUT " + storage.HashBytes([]byte("a")) + " -5\n",
		"PUT " + storage.HashBytes([]byte("a")) + "\n",
		"HELLO\n",
	} {
		conn, err := net.Dial("tcp", receiver.Addr())
		require.NoError(t, err)
		_, err = io.WriteString(conn, header)
		require.NoError(t, err)

		reply, err := io.ReadAll(conn)
		conn.Close()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(reply), "ERR "), "header %q got %q", header, reply)
	}
}

func TestIdleConnectionAborted(t *testing.T) {
	receiver, store := startTransport(t, 200*time.Millisecond)
	data := []byte("0123456789")
	hash := storage.HashBytes(data)

	conn, err := net.Dial("tcp", receiver.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Promise ten bytes, deliver four, then go quiet.
	_, err = io.WriteString(conn, "PUT "+hash+" 10\n0123")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ERR io\n", string(reply))
	assert.False(t, store.Has(hash))
}

func TestHeaderTooLong(t *testing.T) {
	_, err := readHeader(strings.NewReader(strings.Repeat("A", MaxHeaderSize+10) + "\n"))
	require.ErrorIs(t, err, ErrHeaderTooLong)
}

func TestReadHeader_LeavesPayload(t *testing.T) {
	r := strings.NewReader("SIZE 5\nhello")
	fields, err := readHeader(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"SIZE", "5"}, fields)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(rest))
}

func TestClose_NoLeaks(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	tr := NewTCPTransport("127.0.0.1:0", store, time.Second)
	require.NoError(t, tr.ListenAndAccept())

	conn, err := net.Dial("tcp", tr.Addr())
	require.NoError(t, err)
	_, _ = io.WriteString(conn, "GET "+storage.HashBytes([]byte("x"))+"\n")
	_, _ = io.ReadAll(conn)
	conn.Close()

	require.NoError(t, tr.Close())
}
