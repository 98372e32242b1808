package broker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelRegistry_InsertLookup(t *testing.T) {
	r := NewChannelRegistry(nil)
	ch := &Channel{Key: ChannelKey("k1")}

	r.Insert(ch, "caller-1")

	got, ok := r.Lookup("k1")
	assert.True(t, ok)
	assert.Same(t, ch, got)

	got, ok = r.LookupBySourceID("caller-1")
	assert.True(t, ok)
	assert.Same(t, ch, got)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestChannelRegistry_BindAndUnbindSourceID(t *testing.T) {
	r := NewChannelRegistry(nil)
	ch := &Channel{Key: ChannelKey("k1")}
	r.Insert(ch, "caller-1")

	r.BindSourceID("caller-2", "k1")
	got, ok := r.LookupBySourceID("caller-2")
	assert.True(t, ok)
	assert.Same(t, ch, got)

	r.UnbindSourceID("caller-1")
	_, ok = r.LookupBySourceID("caller-1")
	assert.False(t, ok, "unbinding one caller id must not affect the channel or other bindings")

	_, ok = r.Lookup("k1")
	assert.True(t, ok)
}

func TestChannelRegistry_RemoveDeletesAllSourceIDMappings(t *testing.T) {
	r := NewChannelRegistry(nil)
	ch := &Channel{Key: ChannelKey("k1")}
	r.Insert(ch, "caller-1")
	r.BindSourceID("caller-2", "k1")

	r.Remove("k1")

	_, ok := r.Lookup("k1")
	assert.False(t, ok)
	_, ok = r.LookupBySourceID("caller-1")
	assert.False(t, ok)
	_, ok = r.LookupBySourceID("caller-2")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestChannelRegistry_AllAndCount(t *testing.T) {
	r := NewChannelRegistry(nil)
	r.Insert(&Channel{Key: ChannelKey("k1")}, "c1")
	r.Insert(&Channel{Key: ChannelKey("k2")}, "c2")

	assert.Equal(t, 2, r.Count())
	assert.Len(t, r.All(), 2)
}

func TestChannelRegistry_LockForKeySerializesConcurrentMissPath(t *testing.T) {
	r := NewChannelRegistry(nil)
	key := ChannelKey("k1")
	assert.Same(t, r.lockForKey(key), r.lockForKey(key), "every caller on one key must share the same mutex")

	var wg sync.WaitGroup
	var mu sync.Mutex
	order := make([]int, 0, 2)

	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := r.lockForKey(key)
			lock.Lock()
			defer lock.Unlock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, order, 2, "both goroutines must eventually acquire the shared per-key lock")
}
