package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	cases := map[TaskState]bool{
		TaskReady:            false,
		TaskRunning:          false,
		TaskWaitingRetrieval: false,
		TaskRetrieved:        false,
		TaskDone:             true,
		TaskCancelled:        true,
	}
	for state, want := range cases {
		task := &Task{State: state}
		assert.Equal(t, want, task.IsTerminal(), "state %s", state)
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	orig := &Task{
		ID:      1,
		Inputs:  []*FileBinding{{RemoteName: "a"}},
		Outputs: []*FileBinding{{RemoteName: "b"}},
		Env:     map[string]string{"K": "V"},
		Output:  []byte("hello"),
	}

	cp := orig.Clone()
	cp.Env["K"] = "changed"
	cp.Output[0] = 'H'
	cp.Inputs[0] = &FileBinding{RemoteName: "mutated"}

	assert.Equal(t, "V", orig.Env["K"])
	assert.Equal(t, byte('h'), orig.Output[0])
	assert.Equal(t, "a", orig.Inputs[0].RemoteName)
}

func TestCloneHandlesNilSlicesAndMap(t *testing.T) {
	orig := &Task{ID: 1}
	cp := orig.Clone()
	assert.Empty(t, cp.Inputs)
	assert.Empty(t, cp.Outputs)
	assert.Empty(t, cp.Output)
	assert.Nil(t, cp.Env)
}

func TestEnvelopeAdd(t *testing.T) {
	a := Envelope{Cores: 1, Memory: 100, Disk: 10, GPUs: 0}
	b := Envelope{Cores: 2, Memory: 50, Disk: 5, GPUs: 1}
	got := a.Add(b)
	assert.Equal(t, Envelope{Cores: 3, Memory: 150, Disk: 15, GPUs: 1}, got)
}

func TestEnvelopeSubFloorsAtZero(t *testing.T) {
	a := Envelope{Cores: 1, Memory: 10, Disk: 0, GPUs: 0}
	b := Envelope{Cores: 3, Memory: 4, Disk: 0, GPUs: 0}
	got := a.Sub(b)
	assert.Equal(t, Envelope{Cores: 0, Memory: 6, Disk: 0, GPUs: 0}, got)
}
