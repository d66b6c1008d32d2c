// Package od implements the fixed-capacity Object Dictionary: the node's
// addressable registry of (index, subindex) -> externally owned storage.
// It is modeled on samsamfire/gocanopen's pkg/od, trimmed to the subset
// expedited SDO and byte-aligned PDO mapping actually need.
package od

import "fmt"

// MinCapacity is the minimum number of entries an ObjectDictionary must be
// able to hold, per the fixed-capacity requirement.
const MinCapacity = 32

// Standard mandatory indices.
const (
	IndexOperatingMode     uint16 = 0x1000
	IndexHeartbeatInterval uint16 = 0x1017
)

// ObjectDictionary is a fixed-capacity, append-only (index, subindex)
// registry. It owns no storage itself: every Entry's Storage slice is
// supplied by the caller and must outlive the dictionary.
type ObjectDictionary struct {
	capacity int
	entries  []*Entry
	byKey    map[odKey]*Entry
}

type odKey struct {
	index uint16
	sub   uint8
}

// New creates an empty dictionary with at least MinCapacity slots. A
// capacity smaller than MinCapacity is rounded up.
func New(capacity int) *ObjectDictionary {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &ObjectDictionary{
		capacity: capacity,
		entries:  make([]*Entry, 0, capacity),
		byKey:    make(map[odKey]*Entry, capacity),
	}
}

// Register adds a new entry. storage must already be sized to match size
// exactly (1, 2 or 4 bytes) and must remain valid for the dictionary's
// lifetime.
func (d *ObjectDictionary) Register(index uint16, sub uint8, name string, access Access, size uint8, storage []byte) (*Entry, error) {
	key := odKey{index, sub}
	if _, exists := d.byKey[key]; exists {
		return nil, fmt.Errorf("%w: 0x%04X:%02X", ErrDuplicateEntry, index, sub)
	}
	if len(d.entries) >= d.capacity {
		return nil, ErrCapacity
	}
	entry, err := newEntry(index, sub, name, access, size, storage)
	if err != nil {
		return nil, err
	}
	d.entries = append(d.entries, entry)
	d.byKey[key] = entry
	return entry, nil
}

// Find looks up an entry by (index, subindex).
func (d *ObjectDictionary) Find(index uint16, sub uint8) (*Entry, error) {
	entry, ok := d.byKey[odKey{index, sub}]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X:%02X", ErrIndexNotFound, index, sub)
	}
	return entry, nil
}

// Len reports the number of registered entries.
func (d *ObjectDictionary) Len() int { return len(d.entries) }

// RegisterDefaults registers the two mandatory entries every node carries:
// 0x1000:00 (operating mode, RW, 1 byte) and 0x1017:00 (heartbeat interval
// in milliseconds, RW, 4 bytes). Callers supply the backing storage so the
// engine and the dictionary observe the same bytes.
//
// Heartbeat interval is RW rather than the CiA-profile-conventional RO: a
// configuration tool reconfiguring a node's heartbeat period over SDO is
// the whole point of exposing it in the dictionary at all, and an actual
// successful SDO write into this entry is a worked example elsewhere.
func (d *ObjectDictionary) RegisterDefaults(operatingMode []byte, heartbeatIntervalMs []byte) error {
	if _, err := d.Register(IndexOperatingMode, 0, "operating mode", RW, 1, operatingMode); err != nil {
		return err
	}
	if _, err := d.Register(IndexHeartbeatInterval, 0, "heartbeat interval", RW, 4, heartbeatIntervalMs); err != nil {
		return err
	}
	return nil
}
