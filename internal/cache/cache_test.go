package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(1024)
	_, ok := c.Get("https://example.com/a.css")
	assert.False(t, ok)
}

func TestPutThenGetHits(t *testing.T) {
	c := New(1024)
	entry := Entry{Sha: "abc", Mimetype: "text/css", Content: []byte("body{}")}
	c.Put("https://example.com/a.css", entry)

	got, ok := c.Get("https://example.com/a.css")
	assert.True(t, ok)
	assert.Equal(t, entry.Sha, got.Sha)
}

func TestEvictsLeastRecentlyUsedByBytes(t *testing.T) {
	c := New(10)
	c.Put("a", Entry{Content: []byte("12345")})
	c.Put("b", Entry{Content: []byte("12345")})
	// touch a so it becomes most-recently-used
	_, _ = c.Get("a")
	// this put exceeds the 10-byte budget and should evict b, not a
	c.Put("c", Entry{Content: []byte("12345")})

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")
	assert.True(t, aOK)
	assert.False(t, bOK)
	assert.True(t, cOK)
}

func TestEntryOverMaxSizeNeverStored(t *testing.T) {
	c := New(1024)
	big := make([]byte, MaxEntryBytes+1)
	c.Put("huge", Entry{Content: big})
	_, ok := c.Get("huge")
	assert.False(t, ok)
}

func TestDisabledShortCircuits(t *testing.T) {
	c := New(1024)
	c.SetDisabled(true)
	c.Put("a", Entry{Content: []byte("x")})
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestClearEmptiesCache(t *testing.T) {
	c := New(1024)
	c.Put("a", Entry{Content: []byte("x")})
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentGetPutIsSafe(t *testing.T) {
	c := New(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put("url", Entry{Content: []byte("x")})
			c.Get("url")
		}(i)
	}
	wg.Wait()
}
