package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamePoolAcquireRelease(t *testing.T) {
	p := NewNamePool()

	first, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "homer", first)

	second, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	p.Release(first)
	again, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "homer", again)
}

func TestNamePoolExhaustion(t *testing.T) {
	p := NewNamePool()
	for range workerNames {
		_, err := p.Acquire()
		require.NoError(t, err)
	}
	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrNamesExhausted)

	p.Release(workerNames[3])
	name, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, workerNames[3], name)
}

func TestNamePoolInUse(t *testing.T) {
	p := NewNamePool()
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	assert.Equal(t, []string{a, b}, p.InUse())

	p.Release("not-reserved")
	assert.Len(t, p.InUse(), 2)
}
