package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/monitor"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

var (
	ErrMissingPeerID   = errors.New("peer_id is required")
	ErrMissingFilename = errors.New("filename is required")
	ErrMissingChunk    = errors.New("chunk_hash is required")
)

// State is the tracker's authoritative view of peers and files. Every
// mutation runs under one lock over the whole aggregate and is followed by
// a snapshot write while that lock is still held.
type State struct {
	mu        sync.Mutex
	peers     map[string]*protocol.PeerRecord
	files     map[string]*protocol.FileRecord
	createdAt time.Time
	updatedAt time.Time

	// snapshotPath is empty for a memory-only state.
	snapshotPath string
	now          func() time.Time
	metrics      *monitor.TrackerMetrics
}

// NewState returns an empty, memory-only state.
func NewState() *State {
	now := time.Now().UTC()
	return &State{
		peers:     make(map[string]*protocol.PeerRecord),
		files:     make(map[string]*protocol.FileRecord),
		createdAt: now,
		updatedAt: now,
		now:       func() time.Time { return time.Now().UTC() },
		metrics:   monitor.Tracker(),
	}
}

// OpenState loads the snapshot at path and persists every later mutation
// back to it. A missing or unreadable snapshot starts an empty state.
func OpenState(path string) *State {
	s := NewState()
	s.snapshotPath = path

	doc, err := readSnapshot(path)
	switch {
	case err == nil:
		s.restore(doc)
		logger.Sugar.Infof("[Tracker] snapshot loaded: path=%s peers=%d files=%d", path, len(s.peers), len(s.files))
	case errors.Is(err, errNoSnapshot):
		logger.Sugar.Infof("[Tracker] no snapshot, starting empty: path=%s", path)
	default:
		logger.Sugar.Errorf("[Tracker] snapshot unreadable, starting empty: path=%s err=%v", path, err)
	}
	s.updateGaugesLocked()
	return s
}

// SetClock replaces the time source. Used by tests.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Now reads the state's clock.
func (s *State) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *State) restore(doc *snapshotDoc) {
	for id, p := range doc.Peers {
		rec := p.Clone()
		if rec.PeerID == "" {
			rec.PeerID = id
		}
		if rec.Status != protocol.StatusDead {
			rec.Status = protocol.StatusAlive
		}
		s.peers[id] = &rec
	}
	for name, f := range doc.Files {
		rec := f.Clone()
		if rec.Chunks == nil {
			rec.Chunks = make(map[string][]string)
		}
		s.files[name] = &rec
	}
	if !doc.CreatedAt.IsZero() {
		s.createdAt = doc.CreatedAt
	}
	if !doc.UpdatedAt.IsZero() {
		s.updatedAt = doc.UpdatedAt
	}
}

// RegisterOrHeartbeat upserts a peer and marks it alive as of now. Zero
// host and ports keep the stored values. A non-nil hostedFiles replaces
// the peer's self-reported listing verbatim.
func (s *State) RegisterOrHeartbeat(peerID, host string, port, dataPort int, hostedFiles map[string][]string) error {
	if peerID == "" {
		return ErrMissingPeerID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.touchLocked(peerID)
	if host != "" {
		p.Host = host
	}
	if port != 0 {
		p.Port = port
	}
	if dataPort != 0 {
		p.DataPort = dataPort
	}
	if hostedFiles != nil {
		p.HostedFiles = protocol.PeerRecord{HostedFiles: hostedFiles}.Clone().HostedFiles
	}

	s.commitLocked()
	return nil
}

// touchLocked creates the peer if needed and refreshes its liveness.
func (s *State) touchLocked(peerID string) *protocol.PeerRecord {
	now := s.now()
	p, ok := s.peers[peerID]
	if !ok {
		p = &protocol.PeerRecord{PeerID: peerID}
		s.peers[peerID] = p
		logger.Sugar.Infof("[Tracker] new peer: id=%s", peerID)
	} else if p.Status == protocol.StatusDead {
		s.metrics.PeersRevived.Inc()
		logger.Sugar.Infof("[Tracker] peer revived: id=%s dead_since=%v", peerID, p.DeadSince)
	}
	p.LastHeartbeat = now
	p.Status = protocol.StatusAlive
	p.DeadSince = nil
	return p
}

// Publish records peerID as a holder of every chunk of filename. A nil
// chunk list is ignored. Publishing also counts as a heartbeat.
func (s *State) Publish(peerID, filename string, chunks []string, size *int64) error {
	if peerID == "" {
		return ErrMissingPeerID
	}
	if filename == "" {
		return ErrMissingFilename
	}
	if chunks == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.touchLocked(peerID)
	if p.HostedFiles == nil {
		p.HostedFiles = make(map[string][]string)
	}
	p.HostedFiles[filename] = append([]string(nil), chunks...)

	f := s.fileLocked(filename)
	if f.UploadedBy == "" {
		// First real publish defines the chunk sequence, repeats included.
		f.UploadedBy = peerID
		f.Order = append([]string(nil), chunks...)
	}
	if size != nil {
		v := *size
		f.Size = &v
	}
	for _, hash := range chunks {
		if _, ok := f.Chunks[hash]; !ok && !contains(f.Order, hash) {
			f.Order = append(f.Order, hash)
		}
		f.Chunks[hash] = addHolder(f.Chunks[hash], peerID)
	}

	logger.Sugar.Infof("[Tracker] published: file=%s peer=%s chunks=%d", filename, peerID, len(chunks))
	s.commitLocked()
	return nil
}

// ReplicateDone adds peerID to the replica set of chunkHash in filename,
// creating a minimal file entry when the file is unknown. It reports
// whether the replica set grew.
func (s *State) ReplicateDone(filename, chunkHash, peerID string) (bool, error) {
	switch {
	case filename == "":
		return false, ErrMissingFilename
	case chunkHash == "":
		return false, ErrMissingChunk
	case peerID == "":
		return false, ErrMissingPeerID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, known := s.files[filename]
	if !known {
		logger.Sugar.Warnf("[Tracker] replicate_done for unknown file, creating entry: file=%s", filename)
		f = s.fileLocked(filename)
	}
	if !contains(f.Order, chunkHash) {
		f.Order = append(f.Order, chunkHash)
	}

	before := len(f.Chunks[chunkHash])
	f.Chunks[chunkHash] = addHolder(f.Chunks[chunkHash], peerID)
	added := len(f.Chunks[chunkHash]) > before
	if added {
		s.metrics.ReplicasConfirmed.Inc()
		logger.Sugar.Infof("[Tracker] replica confirmed: file=%s chunk=%s peer=%s holders=%d",
			filename, shortHash(chunkHash), peerID, len(f.Chunks[chunkHash]))
	}

	s.commitLocked()
	return added, nil
}

func (s *State) fileLocked(filename string) *protocol.FileRecord {
	f, ok := s.files[filename]
	if !ok {
		f = &protocol.FileRecord{Chunks: make(map[string][]string)}
		s.files[filename] = f
	}
	return f
}

// MarkDead demotes an alive peer. It returns true only for the alive to
// dead transition; unknown or already dead peers are left untouched.
func (s *State) MarkDead(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markDeadLocked(peerID)
}

// MarkDeadIfStale is MarkDead guarded by a heartbeat age check made under
// the same lock, so a heartbeat racing the liveness scan always wins.
func (s *State) MarkDeadIfStale(peerID string, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[peerID]
	if !ok || s.now().Sub(p.LastHeartbeat) <= timeout {
		return false
	}
	return s.markDeadLocked(peerID)
}

func (s *State) markDeadLocked(peerID string) bool {
	p, ok := s.peers[peerID]
	if !ok || p.Status == protocol.StatusDead {
		return false
	}
	now := s.now()
	p.Status = protocol.StatusDead
	p.DeadSince = &now
	s.metrics.PeersMarkedDead.Inc()
	s.commitLocked()
	return true
}

// StalePeers lists alive peers whose last heartbeat is older than timeout.
func (s *State) StalePeers(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []string
	for id, p := range s.peers {
		if p.Status == protocol.StatusAlive && now.Sub(p.LastHeartbeat) > timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Peers returns a copy of every peer record.
func (s *State) Peers() map[string]protocol.PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peersLocked()
}

func (s *State) peersLocked() map[string]protocol.PeerRecord {
	out := make(map[string]protocol.PeerRecord, len(s.peers))
	for id, p := range s.peers {
		out[id] = p.Clone()
	}
	return out
}

// Peer returns a copy of one peer record.
func (s *State) Peer(peerID string) (protocol.PeerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return protocol.PeerRecord{}, false
	}
	return p.Clone(), true
}

// Files returns a copy of every file record.
func (s *State) Files() map[string]protocol.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filesLocked()
}

func (s *State) filesLocked() map[string]protocol.FileRecord {
	out := make(map[string]protocol.FileRecord, len(s.files))
	for name, f := range s.files {
		out[name] = f.Clone()
	}
	return out
}

// View is a consistent copy of peers and files taken under one lock.
type View struct {
	Peers map[string]protocol.PeerRecord
	Files map[string]protocol.FileRecord
}

func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{Peers: s.peersLocked(), Files: s.filesLocked()}
}

// Lookup resolves the holders of every chunk of filename. Holders the
// tracker has no peer record for are omitted.
func (s *State) Lookup(filename string) (protocol.LookupResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[filename]
	if !ok {
		return protocol.LookupResponse{}, false
	}

	resp := protocol.LookupResponse{
		File:   filename,
		Order:  append([]string(nil), f.Order...),
		Chunks: make(map[string][]protocol.ChunkHolder, len(f.Chunks)),
	}
	if f.Size != nil {
		size := *f.Size
		resp.Size = &size
	}
	for hash, holders := range f.Chunks {
		list := make([]protocol.ChunkHolder, 0, len(holders))
		for _, id := range holders {
			p, ok := s.peers[id]
			if !ok {
				continue
			}
			list = append(list, protocol.ChunkHolder{
				PeerID:   p.PeerID,
				Host:     p.Host,
				Port:     p.Port,
				DataPort: p.DataPort,
				Status:   p.Status,
			})
		}
		resp.Chunks[hash] = list
	}
	return resp, true
}

func (s *State) Summary() protocol.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := protocol.Summary{
		PeersTotal: len(s.peers),
		FilesTotal: len(s.files),
		Timestamp:  s.now(),
	}
	for _, p := range s.peers {
		if p.Alive() {
			sum.PeersAlive++
		} else {
			sum.PeersDead++
		}
	}
	return sum
}

// commitLocked stamps the mutation, refreshes gauges and persists. A failed
// write is logged; the in-memory state stays authoritative.
func (s *State) commitLocked() {
	s.updatedAt = s.now()
	s.updateGaugesLocked()

	if err := s.persistLocked(); err != nil {
		s.metrics.SnapshotFailures.Inc()
		logger.Sugar.Errorf("[Tracker] snapshot write failed: path=%s err=%v", s.snapshotPath, err)
		return
	}
	if s.snapshotPath != "" {
		s.metrics.SnapshotWrites.Inc()
	}
}

// Flush writes the current state to the snapshot path.
func (s *State) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *State) persistLocked() error {
	if s.snapshotPath == "" {
		return nil
	}
	doc := &snapshotDoc{
		Peers:     make(map[string]protocol.PeerRecord, len(s.peers)),
		Files:     make(map[string]protocol.FileRecord, len(s.files)),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	for id, p := range s.peers {
		doc.Peers[id] = *p
	}
	for name, f := range s.files {
		doc.Files[name] = *f
	}
	return writeSnapshot(s.snapshotPath, doc)
}

func (s *State) updateGaugesLocked() {
	var alive, dead int
	for _, p := range s.peers {
		if p.Alive() {
			alive++
		} else {
			dead++
		}
	}
	s.metrics.PeersAlive.Set(float64(alive))
	s.metrics.PeersDead.Set(float64(dead))
	s.metrics.Files.Set(float64(len(s.files)))
}

func addHolder(holders []string, peerID string) []string {
	for _, id := range holders {
		if id == peerID {
			return holders
		}
	}
	return append(holders, peerID)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func shortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
