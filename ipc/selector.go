package ipc

// Selector is the readiness multiplexer driven by a Reactor.
//
// Register, Select and SelectedKeys belong to the reactor goroutine. Wakeup and
// the Key methods may be called from anywhere.
type Selector interface {
	Register(ch Channel, ops Ops, att Attachment) (*Key, error)

	// Select blocks until at least one registered channel is ready or Wakeup is
	// called. It returns the number of keys added to the selected set, 0 on wakeup.
	Select() (int, error)

	// SelectedKeys returns the live set filled by Select. Keys stay in it until removed.
	SelectedKeys() *KeySet

	// Wakeup forces a blocked Select to return. If no Select is in progress the
	// next one returns immediately.
	Wakeup() error

	// Close cancels every key and closes its channel. The reactor must be stopped.
	Close() error
}

// KeySet is an unordered set of keys. It is not safe for concurrent use.
type KeySet struct {
	keys map[*Key]struct{}
}

func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[*Key]struct{})}
}

func (s *KeySet) Add(k *Key) {
	s.keys[k] = struct{}{}
}

func (s *KeySet) Remove(k *Key) {
	delete(s.keys, k)
}

func (s *KeySet) Contains(k *Key) bool {
	_, ok := s.keys[k]
	return ok
}

func (s *KeySet) Len() int {
	return len(s.keys)
}

// Snapshot copies the set so it can be iterated while the set itself changes.
func (s *KeySet) Snapshot() []*Key {
	out := make([]*Key, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}
