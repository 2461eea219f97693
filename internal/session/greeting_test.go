package session

import (
	"bytes"
	"fmt"
	"testing"
)

func TestGreetingCache_PutGet(t *testing.T) {
	c := NewGreetingCache(4)
	key := NewGreetingKey("agent_1", "elevenlabs", "v1", "Hello!")

	if _, ok := c.Get(key); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put(key, []byte("pcm"))
	pcm, ok := c.Get(key)
	if !ok || !bytes.Equal(pcm, []byte("pcm")) {
		t.Errorf("got %q/%v", pcm, ok)
	}
}

func TestGreetingCache_KeyDiscriminates(t *testing.T) {
	c := NewGreetingCache(8)
	c.Put(NewGreetingKey("agent_1", "elevenlabs", "v1", "Hello!"), []byte("a"))

	misses := []GreetingKey{
		NewGreetingKey("agent_2", "elevenlabs", "v1", "Hello!"),
		NewGreetingKey("agent_1", "coqui", "v1", "Hello!"),
		NewGreetingKey("agent_1", "elevenlabs", "v2", "Hello!"),
		NewGreetingKey("agent_1", "elevenlabs", "v1", "Hi!"),
	}
	for _, key := range misses {
		if _, ok := c.Get(key); ok {
			t.Errorf("unexpected hit for %+v", key)
		}
	}
}

func TestGreetingCache_EvictsLRU(t *testing.T) {
	c := NewGreetingCache(2)
	k1 := NewGreetingKey("a1", "p", "v", "one")
	k2 := NewGreetingKey("a2", "p", "v", "two")
	k3 := NewGreetingKey("a3", "p", "v", "three")

	c.Put(k1, []byte("1"))
	c.Put(k2, []byte("2"))
	c.Get(k1) // touch so k2 becomes the eviction candidate
	c.Put(k3, []byte("3"))

	if _, ok := c.Get(k2); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.Get(k1); !ok {
		t.Error("recently used entry evicted")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}

func TestGreetingCache_IgnoresEmptyAudio(t *testing.T) {
	c := NewGreetingCache(2)
	c.Put(NewGreetingKey("a", "p", "v", "text"), nil)
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestGreetingCache_UpdateMovesToFront(t *testing.T) {
	c := NewGreetingCache(2)
	keys := make([]GreetingKey, 3)
	for i := range keys {
		keys[i] = NewGreetingKey("a", "p", "v", fmt.Sprintf("text %d", i))
	}
	c.Put(keys[0], []byte("old"))
	c.Put(keys[1], []byte("1"))
	c.Put(keys[0], []byte("new"))
	c.Put(keys[2], []byte("2"))

	if pcm, ok := c.Get(keys[0]); !ok || string(pcm) != "new" {
		t.Errorf("updated entry = %q/%v, want new/true", pcm, ok)
	}
	if _, ok := c.Get(keys[1]); ok {
		t.Error("stale entry survived eviction")
	}
}
