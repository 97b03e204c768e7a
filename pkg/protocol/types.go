package protocol

import (
	"net"
	"strconv"
	"time"
)

// PeerStatus is the liveness classification of a peer.
type PeerStatus string

const (
	StatusAlive PeerStatus = "alive"
	StatusDead  PeerStatus = "dead"
)

// --- Domain Types ---

// PeerRecord is the tracker's view of one storage peer.
type PeerRecord struct {
	PeerID        string     `json:"peer_id"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	DataPort      int        `json:"data_port"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        PeerStatus `json:"status"`
	DeadSince     *time.Time `json:"dead_since,omitempty"`
	// HostedFiles is what the peer says it holds. It is advisory only and
	// never feeds replica sets.
	HostedFiles map[string][]string `json:"hosted_files,omitempty"`
}

func (p PeerRecord) Alive() bool {
	return p.Status == StatusAlive
}

// ControlAddr is the host:port of the peer's HTTP control endpoint.
func (p PeerRecord) ControlAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DataAddr is the host:port serving the chunk transfer protocol. Peers that
// never told us a data port are assumed to serve it on the control port.
func (p PeerRecord) DataAddr() string {
	port := p.DataPort
	if port == 0 {
		port = p.Port
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Clone returns a deep copy.
func (p PeerRecord) Clone() PeerRecord {
	c := p
	if p.DeadSince != nil {
		t := *p.DeadSince
		c.DeadSince = &t
	}
	if p.HostedFiles != nil {
		c.HostedFiles = make(map[string][]string, len(p.HostedFiles))
		for name, hashes := range p.HostedFiles {
			c.HostedFiles[name] = append([]string(nil), hashes...)
		}
	}
	return c
}

// FileRecord describes one published file and who holds each of its chunks.
type FileRecord struct {
	// Order is the chunk hash sequence that makes up the file.
	Order []string `json:"order"`
	// Chunks maps a chunk hash to its replica set, in insertion order.
	Chunks     map[string][]string `json:"chunks"`
	Size       *int64              `json:"size"`
	UploadedBy string              `json:"uploaded_by"`
}

// Clone returns a deep copy.
func (f FileRecord) Clone() FileRecord {
	c := FileRecord{
		Order:      append([]string(nil), f.Order...),
		Chunks:     make(map[string][]string, len(f.Chunks)),
		UploadedBy: f.UploadedBy,
	}
	if f.Size != nil {
		size := *f.Size
		c.Size = &size
	}
	for hash, holders := range f.Chunks {
		c.Chunks[hash] = append([]string(nil), holders...)
	}
	return c
}

// ReplicateTask instructs SrcPeer to push ChunkHash to DstPeer.
type ReplicateTask struct {
	TaskID    string `json:"task_id"`
	FileName  string `json:"file_name"`
	ChunkHash string `json:"chunk_hash"`
	SrcPeer   string `json:"src_peer"`
	DstPeer   string `json:"dst_peer"`
}

// --- Control plane messages ---

type RegisterRequest struct {
	PeerID   string `json:"peer_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DataPort int    `json:"data_port"`
	// nil means "not supplied"; an empty map clears the listing.
	HostedFiles map[string][]string `json:"hosted_files,omitempty"`
}

type HeartbeatRequest struct {
	PeerID   string `json:"peer_id"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	DataPort int    `json:"data_port,omitempty"`
}

type PublishRequest struct {
	PeerID   string   `json:"peer_id"`
	Filename string   `json:"filename"`
	Chunks   []string `json:"chunks"`
	Size     *int64   `json:"size,omitempty"`
}

type ReplicateDoneRequest struct {
	Filename  string `json:"filename"`
	ChunkHash string `json:"chunk_hash"`
	PeerID    string `json:"peer_id"`
}

type StatusResponse struct {
	Status string `json:"status"`
	PeerID string `json:"peer_id,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChunkHolder is one replica-set member as reported by lookup.
type ChunkHolder struct {
	PeerID   string     `json:"peer_id"`
	Host     string     `json:"host"`
	Port     int        `json:"port"`
	DataPort int        `json:"data_port"`
	Status   PeerStatus `json:"status"`
}

func (h ChunkHolder) DataAddr() string {
	return PeerRecord{Host: h.Host, Port: h.Port, DataPort: h.DataPort}.DataAddr()
}

type LookupResponse struct {
	File   string                   `json:"file"`
	Order  []string                 `json:"order"`
	Size   *int64                   `json:"size,omitempty"`
	Chunks map[string][]ChunkHolder `json:"chunks"`
}

type Summary struct {
	PeersTotal int       `json:"peers_total"`
	PeersAlive int       `json:"peers_alive"`
	PeersDead  int       `json:"peers_dead"`
	FilesTotal int       `json:"files_total"`
	Timestamp  time.Time `json:"timestamp"`
}

type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

type ChunkList struct {
	Chunks []string `json:"chunks"`
}
