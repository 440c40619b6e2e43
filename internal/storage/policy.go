package storage

import (
	"fmt"
	"sort"

	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// EvictionPolicy names the victim-selection order (spec.md §6 eviction_policy).
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionLFU  EvictionPolicy = "lfu"
	EvictionFIFO EvictionPolicy = "fifo"
)

// Policy enforces a per-file maximum size, a global quota, and an eviction
// strategy (spec.md §4.5).
type Policy struct {
	manager     *Manager
	maxFileSize int64
	quota       int64
	eviction    EvictionPolicy
}

// NewPolicy constructs a Policy over manager.
func NewPolicy(manager *Manager, maxFileSize, quota int64, eviction EvictionPolicy) *Policy {
	return &Policy{manager: manager, maxFileSize: maxFileSize, quota: quota, eviction: eviction}
}

// Admit checks whether incomingSize can be admitted under the configured
// max-file-size and quota, evicting victims in policy order as needed.
// Returns the list of keys actually evicted. If the remaining set cannot
// fit incomingSize even after evicting every evictable object, admission
// fails with ErrQuotaExceeded and nothing is evicted that wasn't already
// selected up to that point (documented partial-eviction behavior:
// deleted objects stay deleted, spec.md §4.5).
func (p *Policy) Admit(incomingSize int64) (evicted []string, err error) {
	if p.maxFileSize > 0 && incomingSize > p.maxFileSize {
		return nil, fmt.Errorf("%w: file size %d exceeds max_file_size %d", xferr.ErrFileTooLarge, incomingSize, p.maxFileSize)
	}

	used := p.manager.UsedBytes()
	if p.quota <= 0 || used+incomingSize <= p.quota {
		return nil, nil
	}

	victims := p.manager.Objects()
	sortVictims(victims, p.eviction)

	for _, v := range victims {
		if used+incomingSize <= p.quota {
			break
		}
		if err := p.manager.Delete(v.Key); err != nil {
			return evicted, fmt.Errorf("%w: evicting %s: %v", xferr.ErrQuotaExceeded, v.Key, err)
		}
		evicted = append(evicted, v.Key)
		used -= v.Size
	}

	if used+incomingSize > p.quota {
		return evicted, fmt.Errorf("%w: need %d more bytes after evicting %d objects", xferr.ErrQuotaExceeded, used+incomingSize-p.quota, len(evicted))
	}
	return evicted, nil
}

// sortVictims orders objects ascending by "evict first" per the policy:
// LRU evicts the least-recently-accessed first, LFU the least-frequently
// accessed, FIFO the oldest by creation time — grounded on
// _examples/nishisan-dev-n-backup/internal/server/storage.go's Rotate(),
// which is exactly FIFO-by-name over backups; here it becomes one of three
// selectable strategies operating on StoredObject's access fields
// (spec.md §3) instead of filename ordering.
func sortVictims(objs []StoredObject, policy EvictionPolicy) {
	switch policy {
	case EvictionLFU:
		sort.Slice(objs, func(i, j int) bool { return objs[i].AccessCount < objs[j].AccessCount })
	case EvictionFIFO:
		sort.Slice(objs, func(i, j int) bool { return objs[i].CreatedAt.Before(objs[j].CreatedAt) })
	default: // EvictionLRU
		sort.Slice(objs, func(i, j int) bool { return objs[i].LastAccessAt.Before(objs[j].LastAccessAt) })
	}
}
