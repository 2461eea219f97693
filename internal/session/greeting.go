package session

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/vocalix/vocalix/pkg/types"
)

// GreetingKey identifies one cached greeting rendition. Any change to the
// agent's voice or greeting text produces a different key.
type GreetingKey struct {
	AgentID       string
	VoiceProvider string
	VoiceID       string
	textHash      string
}

// NewGreetingKey builds a key; the greeting text is hashed so long texts
// stay cheap to compare.
func NewGreetingKey(agentID, voiceProvider, voiceID, text string) GreetingKey {
	sum := sha256.Sum256([]byte(text))
	return GreetingKey{
		AgentID:       agentID,
		VoiceProvider: voiceProvider,
		VoiceID:       voiceID,
		textHash:      hex.EncodeToString(sum[:8]),
	}
}

// GreetingCache holds synthesised greeting audio so repeat calls to the same
// agent skip a synthesis round trip. LRU-bounded; safe for concurrent use.
type GreetingCache struct {
	mu      sync.Mutex
	max     int
	entries map[GreetingKey]*list.Element
	order   *list.List
}

type greetingEntry struct {
	key GreetingKey
	pcm []byte
}

// NewGreetingCache creates a cache holding up to max greetings. max <= 0
// defaults to 128.
func NewGreetingCache(max int) *GreetingCache {
	if max <= 0 {
		max = 128
	}
	return &GreetingCache{
		max:     max,
		entries: make(map[GreetingKey]*list.Element),
		order:   list.New(),
	}
}

// Get returns the cached wire PCM for key, if present.
func (c *GreetingCache) Get(key GreetingKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*greetingEntry).pcm, true
}

// Put stores pcm under key, evicting the least recently used entry when
// full. Empty audio is not cached.
func (c *GreetingCache) Put(key GreetingKey, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*greetingEntry).pcm = pcm
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&greetingEntry{key: key, pcm: pcm})
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*greetingEntry).key)
	}
}

// Len returns the number of cached greetings.
func (c *GreetingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// speakGreeting delivers the opening utterance, serving cached audio when a
// prior call to the same agent and voice already synthesised it.
func (s *session) speakGreeting() {
	text := s.agent.Greeting
	if text == "" {
		text = defaultGreeting
	}
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()

	cache := s.e.deps.Greetings
	var key GreetingKey
	if cache != nil {
		key = NewGreetingKey(s.agent.ID, s.agent.VoiceProvider, s.agent.VoiceID, text)
		if pcm, ok := cache.Get(key); ok {
			if err := s.conn.WriteAudio(ctx, pcm); err != nil {
				s.log.Warn("cached greeting delivery failed", "error", err)
				s.end(types.StatusFailed, types.FailureConnectionLost)
				return
			}
			s.appendTurn(types.SpeakerAssistant, text)
			return
		}
	}

	pcm, err := s.speakText(ctx, text)
	if err != nil {
		// A failed greeting is not fatal; the caller will speak first.
		s.log.Warn("greeting synthesis failed", "error", err)
		return
	}
	s.appendTurn(types.SpeakerAssistant, text)
	if cache != nil {
		cache.Put(key, pcm)
	}
}
