package transport

import "context"

// ChunkSender pushes a locally stored chunk to the peer listening on addr.
type ChunkSender interface {
	PutChunk(ctx context.Context, addr string, hash string) error
}

// ChunkFetcher pulls a chunk from addr into the local store and returns
// its size.
type ChunkFetcher interface {
	GetChunk(ctx context.Context, addr string, hash string) (int64, error)
}

// Transport is the peer's chunk data plane: a listener serving PUT/GET
// and a client for both directions.
type Transport interface {
	ChunkSender
	ChunkFetcher
	ListenAndAccept() error
	Close() error
	Addr() string
}
