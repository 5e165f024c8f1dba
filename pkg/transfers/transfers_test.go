package transfers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemoveAndSourceInUse(t *testing.T) {
	tbl := New()

	id1 := tbl.Add("workerA", "http://example/x")
	id2 := tbl.Add("workerB", "http://example/x")
	tbl.Add("workerC", "http://example/y")

	assert.Equal(t, 2, tbl.SourceInUse("http://example/x"))
	assert.Equal(t, 1, tbl.SourceInUse("http://example/y"))
	assert.Equal(t, 3, tbl.Len())

	assert.True(t, tbl.Remove(id1))
	assert.False(t, tbl.Remove(id1))
	assert.Equal(t, 1, tbl.SourceInUse("http://example/x"))

	assert.True(t, tbl.Remove(id2))
	assert.Equal(t, 0, tbl.SourceInUse("http://example/x"))
}

func TestWipeWorkerRemovesOnlyThatDestination(t *testing.T) {
	tbl := New()
	tbl.Add("workerA", "http://example/x")
	tbl.Add("workerA", "http://example/y")
	tbl.Add("workerB", "http://example/z")

	removed := tbl.WipeWorker("workerA")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, 1, tbl.SourceInUse("http://example/z"))
}

func TestPeerSourceURI(t *testing.T) {
	assert.Equal(t, "worker://10.0.0.1:9123/abc123", PeerSourceURI("10.0.0.1", 9123, "abc123"))
}
