package cache

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/xmit-sh/mailgateway/internal/metrics"
)

// Manager composes the memory and persistent tiers behind the single
// namespaced-key surface the upstream adapter uses. Reads check memory
// first, then the persistent tier (repopulating memory on a persistent
// hit); writes go to whichever tier(s) the caller requests.
type Manager struct {
	Memory     *MemoryTier
	Persistent *PersistentTier // nil disables the persistent tier (e.g. tests)
}

func NewManager(mem *MemoryTier, persistent *PersistentTier) *Manager {
	return &Manager{Memory: mem, Persistent: persistent}
}

// GetJSON looks up key in memory, falling back to the persistent tier,
// unmarshalling into dest. It reports whether a value was found.
func (m *Manager) GetJSON(key string, dest any) (bool, error) {
	if v, ok := m.Memory.Get(key); ok {
		metrics.CacheHits.WithLabelValues("memory").Inc()
		b, err := json.Marshal(v)
		if err != nil {
			return false, err
		}
		return true, json.Unmarshal(b, dest)
	}
	if m.Persistent == nil {
		metrics.CacheMisses.Inc()
		return false, nil
	}
	raw, ok, err := m.Persistent.Get(key)
	if err != nil || !ok {
		metrics.CacheMisses.Inc()
		return false, err
	}
	metrics.CacheHits.WithLabelValues("persistent").Inc()
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	m.Memory.Set(key, json.RawMessage(raw), 0)
	return true, nil
}

// SetMemory stores value in the memory tier only (the default for
// listings and statuses, which are short-lived).
func (m *Manager) SetMemory(key string, value any, ttl time.Duration) {
	m.Memory.Set(key, value, ttl)
}

// SetPersistent stores value in both tiers (used for message bodies,
// which are immutable and want long-lived, eviction-resistant storage).
func (m *Manager) SetPersistent(key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.Memory.Set(key, json.RawMessage(b), ttl)
	if m.Persistent == nil {
		return nil
	}
	return m.Persistent.Set(key, b, ttl)
}

// GetBytes is the []byte-specialised counterpart of GetJSON, used for
// message bodies where the value is already raw bytes.
func (m *Manager) GetBytes(key string) ([]byte, bool, error) {
	if v, ok := m.Memory.Get(key); ok {
		switch b := v.(type) {
		case []byte:
			metrics.CacheHits.WithLabelValues("memory").Inc()
			return b, true, nil
		case json.RawMessage:
			var out []byte
			if err := json.Unmarshal(b, &out); err != nil {
				return nil, false, err
			}
			metrics.CacheHits.WithLabelValues("memory").Inc()
			return out, true, nil
		}
	}
	if m.Persistent == nil {
		metrics.CacheMisses.Inc()
		return nil, false, nil
	}
	raw, ok, err := m.Persistent.Get(key)
	if err == nil && ok {
		metrics.CacheHits.WithLabelValues("persistent").Inc()
	} else if err == nil {
		metrics.CacheMisses.Inc()
	}
	return raw, ok, err
}

func (m *Manager) Delete(key string) {
	m.Memory.Delete(key)
	if m.Persistent != nil {
		_ = m.Persistent.Delete(key)
	}
}

// anchoredLiteral turns a literal key prefix into an anchored regexp that
// matches only that exact key, preventing "abc" from matching "abcd".
func anchoredLiteral(s string) string {
	return "^" + regexp.QuoteMeta(s) + "$"
}

// anchoredPrefix builds an anchored regexp matching any key starting with
// prefix followed by anything (used for "...:*" style deletes).
func anchoredPrefix(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix)
}

// InvalidateSender drops every cache entry scoped to a sender: its folder
// list, every folder status/listing/message under it, the global sender
// lookup entries, and its persistent bodies.
func (m *Manager) InvalidateSender(senderID string) error {
	_ = m.Memory.DeletePattern(anchoredLiteral(KeyFolders(senderID)))
	_ = m.Memory.DeletePattern(anchoredPrefix(fmt.Sprintf("status:%s:", senderID)))
	_ = m.Memory.DeletePattern(anchoredPrefix(fmt.Sprintf("messages:%s:", senderID)))
	_ = m.Memory.DeletePattern(anchoredPrefix(fmt.Sprintf("message:%s:", senderID)))
	_ = m.Memory.DeletePattern(anchoredPrefix("sender:"))
	m.Memory.Delete(KeyAllSenders())

	if m.Persistent == nil {
		return nil
	}
	if err := m.Persistent.DeletePattern(likeEscape(fmt.Sprintf("body:%s:", senderID)) + "%"); err != nil {
		return err
	}
	return nil
}

// InvalidateFolder drops status, listings and per-message entries for one
// folder, plus the sender's folder list (UIDVALIDITY/UIDNEXT may have
// changed).
func (m *Manager) InvalidateFolder(senderID, folder string) error {
	m.Memory.Delete(KeyFolderStatus(senderID, folder))
	_ = m.Memory.DeletePattern(anchoredPrefix(KeyMessages(senderID, folder)))
	_ = m.Memory.DeletePattern(anchoredPrefix(fmt.Sprintf("message:%s:%s:", senderID, folder)))
	m.Memory.Delete(KeyFolders(senderID))

	if m.Persistent == nil {
		return nil
	}
	return m.Persistent.DeletePattern(likeEscape(fmt.Sprintf("body:%s:%s:", senderID, folder)) + "%")
}

// InvalidateMessage drops the cached metadata and body for one message,
// plus its folder's listing and status (flags changed may affect
// unseen/recent counts).
func (m *Manager) InvalidateMessage(senderID, folder string, uid uint32) error {
	m.Memory.Delete(KeyMessage(senderID, folder, uid))
	_ = m.Memory.DeletePattern(anchoredPrefix(KeyMessages(senderID, folder)))
	m.Memory.Delete(KeyFolderStatus(senderID, folder))
	m.Memory.Delete(KeyBody(senderID, folder, uid))

	if m.Persistent == nil {
		return nil
	}
	return m.Persistent.Delete(KeyBody(senderID, folder, uid))
}

// Prune runs the periodic 5-minute expiry sweep on both tiers.
func (m *Manager) Prune() {
	m.Memory.Prune()
	if m.Persistent != nil {
		_ = m.Persistent.Prune()
	}
}

// RunPruneLoop blocks, pruning both tiers every PruneInterval, until done
// is closed.
func (m *Manager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}
