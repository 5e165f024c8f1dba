package category

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vinequeue/manager/pkg/types"
)

func TestAverageTaskTimeRequiresTenSamples(t *testing.T) {
	s := Stats{TasksDone: 9, ExecuteTime: 90 * time.Second}
	_, ok := s.AverageTaskTime()
	assert.False(t, ok)

	s.TasksDone = 10
	avg, ok := s.AverageTaskTime()
	assert.True(t, ok)
	assert.Equal(t, 9*time.Second, avg)
}

func TestEffectiveSlowWorkerMultiplierInheritance(t *testing.T) {
	r := NewRegistry()
	def := r.GetOrCreate(DefaultCategoryName)
	def.SlowWorkerMultiplier = 3

	inheriting := r.GetOrCreate("analysis")
	inheriting.SlowWorkerMultiplier = -1 // inherit

	m, active := r.EffectiveSlowWorkerMultiplier(inheriting)
	assert.True(t, active)
	assert.Equal(t, 3.0, m)

	disabled := r.GetOrCreate("bulk")
	disabled.SlowWorkerMultiplier = 0
	_, active = r.EffectiveSlowWorkerMultiplier(disabled)
	assert.False(t, active)

	own := r.GetOrCreate("own")
	own.SlowWorkerMultiplier = 5
	m, active = r.EffectiveSlowWorkerMultiplier(own)
	assert.True(t, active)
	assert.Equal(t, 5.0, m)
}

func TestEffectiveSlowWorkerMultiplierNoDefaultMeansInactive(t *testing.T) {
	r := NewRegistry()
	c := r.GetOrCreate("lonely")
	c.SlowWorkerMultiplier = -1
	_, active := r.EffectiveSlowWorkerMultiplier(c)
	assert.False(t, active)
}

func TestNextAllocationFixedReturnsRequestAsIs(t *testing.T) {
	c := &Category{Mode: ModeFixed}
	req := types.ResourceSet{Cores: 2, Memory: 1024}
	next, ok := c.NextAllocation(req, false)
	assert.True(t, ok)
	assert.Equal(t, req, next)
}

func TestNextAllocationMinWasteEscalates(t *testing.T) {
	c := &Category{Mode: ModeMinWaste, Max: types.ResourceSet{Cores: 16, Memory: 16384, Disk: 16384}}
	current := types.ResourceSet{Cores: 1, Memory: 1024, Disk: 1024}

	next, ok := c.NextAllocation(current, true)
	assert.True(t, ok)
	assert.Greater(t, next.Cores, current.Cores)
}

func TestNextAllocationMinWasteExhaustedAtMax(t *testing.T) {
	c := &Category{Mode: ModeMinWaste, Max: types.ResourceSet{Cores: 4, Memory: 4096, Disk: 4096}}
	atMax := types.ResourceSet{Cores: 4, Memory: 4096, Disk: 4096}

	_, ok := c.NextAllocation(atMax, true)
	assert.False(t, ok)
}

func TestRecordCompletionAccumulatesStats(t *testing.T) {
	r := NewRegistry()
	env := types.Envelope{Cores: 2, Memory: 2048, Disk: 2048}
	r.RecordCompletion("c1", true, env, 5*time.Second, time.Second, time.Second, 100, 200)

	c := r.Get("c1")
	assert.Equal(t, 1, c.Stats.TasksDone)
	assert.EqualValues(t, 100, c.Stats.BytesSent)
	assert.Equal(t, 2.0, c.LargestSeen.Cores)
}
