package safe_map

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeMap(t *testing.T) {
	m := NewSafeMap[string, int]()

	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("a")
	assert.Equal(t, 0, m.Len())

	m.Store("b", 2)
	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Store(fmt.Sprintf("k%d", i), i)
			m.Load("k0")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, m.Len())
}
