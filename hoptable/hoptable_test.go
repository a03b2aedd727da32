package hoptable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupAbsent(t *testing.T) {
	table := New()
	_, ok := table.Lookup(1)
	assert.False(t, ok)
}

func TestInsertOrUpdateInsertsAndReads(t *testing.T) {
	table := New()

	result := table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		require.Nil(t, current)
		return &Tunnel{ID: 1, State: StateBuilding}
	})
	require.NotNil(t, result)
	assert.Equal(t, StateBuilding, result.State)

	tunnel, ok := table.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint16(1), tunnel.ID)
}

func TestInsertOrUpdateMutatesExisting(t *testing.T) {
	table := New()
	table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		return &Tunnel{ID: 1, State: StateBuilding}
	})

	table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		require.NotNil(t, current)
		current.State = StateActive
		return current
	})

	tunnel, ok := table.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, StateActive, tunnel.State)
}

func TestInsertOrUpdateNilResultRemoves(t *testing.T) {
	table := New()
	table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		return &Tunnel{ID: 1, State: StateBuilding}
	})
	table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		return nil
	})

	_, ok := table.Lookup(1)
	assert.False(t, ok)
}

func TestInsertOrUpdateNilMutatorPanics(t *testing.T) {
	table := New()
	assert.Panics(t, func() {
		table.InsertOrUpdate(1, nil)
	})
}

func TestRemove(t *testing.T) {
	table := New()
	table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		return &Tunnel{ID: 1}
	})
	table.Remove(1)

	_, ok := table.Lookup(1)
	assert.False(t, ok)
}

// TestRoutingInvariant exercises the invariant that a tunnel is never left
// with both previous and next hop absent.
func TestRoutingInvariant(t *testing.T) {
	table := New()
	table.InsertOrUpdate(1, func(current *Tunnel) *Tunnel {
		return &Tunnel{ID: 1, PreviousHop: &Hop{}}
	})

	tunnel, ok := table.Lookup(1)
	require.True(t, ok)
	assert.True(t, tunnel.PreviousHop != nil || tunnel.NextHop != nil)
}

func TestConcurrentAccess(t *testing.T) {
	table := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		id := uint16(i % 10)
		go func() {
			defer wg.Done()
			table.InsertOrUpdate(id, func(current *Tunnel) *Tunnel {
				if current == nil {
					return &Tunnel{ID: id, State: StateBuilding}
				}
				return current
			})
			table.Lookup(id)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, table.Len(), 10)
}

func TestOccupied(t *testing.T) {
	table := New()
	assert.False(t, table.Occupied(3))

	table.InsertOrUpdate(3, func(current *Tunnel) *Tunnel {
		return &Tunnel{ID: 3}
	})
	assert.True(t, table.Occupied(3))
}
