package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerRecordAddrs(t *testing.T) {
	p := PeerRecord{Host: "10.0.0.1", Port: 9001, DataPort: 9011}
	assert.Equal(t, "10.0.0.1:9001", p.ControlAddr())
	assert.Equal(t, "10.0.0.1:9011", p.DataAddr())

	p.DataPort = 0
	assert.Equal(t, "10.0.0.1:9001", p.DataAddr(), "data falls back to the control port")

	h := ChunkHolder{Host: "::1", Port: 1, DataPort: 2}
	assert.Equal(t, "[::1]:2", h.DataAddr())
}

func TestCloneIsDeep(t *testing.T) {
	dead := time.Now()
	p := PeerRecord{
		PeerID:      "p1",
		DeadSince:   &dead,
		HostedFiles: map[string][]string{"a": {"h1"}},
	}
	c := p.Clone()
	c.HostedFiles["a"][0] = "changed"
	*c.DeadSince = dead.Add(time.Hour)
	assert.Equal(t, "h1", p.HostedFiles["a"][0])
	assert.Equal(t, dead, *p.DeadSince)

	size := int64(10)
	f := FileRecord{Order: []string{"h1"}, Chunks: map[string][]string{"h1": {"p1"}}, Size: &size}
	fc := f.Clone()
	fc.Chunks["h1"] = append(fc.Chunks["h1"], "p2")
	fc.Order[0] = "x"
	*fc.Size = 20
	assert.Equal(t, []string{"p1"}, f.Chunks["h1"])
	assert.Equal(t, []string{"h1"}, f.Order)
	assert.EqualValues(t, 10, *f.Size)
}
