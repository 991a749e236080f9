package vectorstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	s := New(3, 0)

	slot, err := s.Put("a", []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), slot)

	assert.Equal(t, []float32{1, 2, 3}, s.Vector(slot))

	id, ok := s.ID(slot)
	require.True(t, ok)
	assert.Equal(t, "a", id)

	got, ok := s.Slot("a")
	require.True(t, ok)
	assert.Equal(t, slot, got)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Live())
}

func TestStoreDuplicateID(t *testing.T) {
	s := New(2, 0)
	_, err := s.Put("a", []float32{1, 0})
	require.NoError(t, err)

	_, err = s.Put("a", []float32{0, 1})
	assert.ErrorIs(t, err, ErrDuplicateID)

	// Delete-then-insert is the supported replace path.
	_, ok := s.Remove("a")
	require.True(t, ok)
	slot, err := s.Put("a", []float32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), slot, "slots are never reused")
}

func TestStoreCapacity(t *testing.T) {
	s := New(2, 2)
	_, err := s.Put("a", []float32{1, 0})
	require.NoError(t, err)
	_, err = s.Put("b", []float32{0, 1})
	require.NoError(t, err)

	_, err = s.Put("c", []float32{1, 1})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Removing frees capacity.
	_, ok := s.Remove("a")
	require.True(t, ok)
	_, err = s.Put("c", []float32{1, 1})
	assert.NoError(t, err)
}

func TestStoreRemoveIdempotent(t *testing.T) {
	s := New(2, 0)
	slot, err := s.Put("a", []float32{1, 0})
	require.NoError(t, err)

	got, ok := s.Remove("a")
	require.True(t, ok)
	assert.Equal(t, slot, got)
	assert.True(t, s.Deleted(slot))

	_, ok = s.Remove("a")
	assert.False(t, ok)
	_, ok = s.Remove("missing")
	assert.False(t, ok)

	_, ok = s.ID(slot)
	assert.False(t, ok)
}

func TestStoreTombstoneBitmap(t *testing.T) {
	s := New(2, 0)
	for i := 0; i < 5; i++ {
		_, err := s.Put(fmt.Sprintf("v%d", i), []float32{float32(i), 0})
		require.NoError(t, err)
	}
	s.Remove("v1")
	s.Remove("v3")

	bm := s.TombstoneBitmap()
	assert.Equal(t, uint64(2), bm.GetCardinality())
	assert.True(t, bm.Contains(1))
	assert.True(t, bm.Contains(3))
}

func TestStoreCompact(t *testing.T) {
	s := New(2, 0)
	for i := 0; i < 6; i++ {
		_, err := s.Put(fmt.Sprintf("v%d", i), []float32{float32(i), float32(i)})
		require.NoError(t, err)
	}
	s.Remove("v0")
	s.Remove("v2")
	s.Remove("v4")

	remap := s.Compact()
	require.Len(t, remap, 6)

	_, ok := remap.Apply(0)
	assert.False(t, ok)

	newSlot, ok := remap.Apply(1)
	require.True(t, ok)
	assert.Equal(t, uint32(0), newSlot)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 3, s.Live())

	for _, id := range []string{"v1", "v3", "v5"} {
		slot, ok := s.Slot(id)
		require.True(t, ok, id)
		var want float32
		fmt.Sscanf(id, "v%f", &want)
		assert.Equal(t, []float32{want, want}, s.Vector(slot))
	}
}

func TestStoreCodes(t *testing.T) {
	s := New(2, 0)
	for i := 0; i < 3; i++ {
		_, err := s.Put(fmt.Sprintf("v%d", i), []float32{float32(i), 0})
		require.NoError(t, err)
	}

	err := s.AttachCodes(1, func(vec []float32) ([]byte, error) {
		return []byte{byte(vec[0])}, nil
	})
	require.NoError(t, err)
	require.True(t, s.HasCodes())

	assert.Equal(t, []byte{2}, s.Code(2))

	// New rows get codes via SetCode.
	slot, err := s.Put("v3", []float32{3, 0})
	require.NoError(t, err)
	s.SetCode(slot, []byte{3})
	assert.Equal(t, []byte{3}, s.Code(slot))

	// Codes survive compaction.
	s.Remove("v0")
	remap := s.Compact()
	newSlot, ok := remap.Apply(slot)
	require.True(t, ok)
	assert.Equal(t, []byte{3}, s.Code(newSlot))
}

func TestStoreConcurrentReads(t *testing.T) {
	s := New(4, 0)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			_, err := s.Put(fmt.Sprintf("v%d", i), []float32{float32(i), 0, 0, 0})
			assert.NoError(t, err)
		}
	}()

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5000; i++ {
				slot := uint32(i % 2000)
				if v := s.Vector(slot); v != nil {
					_ = v[0]
				}
				_, _ = s.ID(slot)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2000, s.Live())
}

func TestStoreRestoreRow(t *testing.T) {
	s := New(2, 0)
	require.NoError(t, s.RestoreRow(0, "a", []float32{1, 0}, false))
	require.NoError(t, s.RestoreRow(1, "b", []float32{0, 1}, true))

	assert.ErrorIs(t, s.RestoreRow(5, "x", []float32{0, 0}, false), ErrSlotOutOfRange)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Live())
	assert.True(t, s.Deleted(1))

	id, ok := s.ID(0)
	require.True(t, ok)
	assert.Equal(t, "a", id)
}
