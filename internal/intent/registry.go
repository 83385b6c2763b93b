package intent

import (
	"container/list"
	"strings"
	"sync"

	"intent-relayer/internal/errs"
)

// Entry is a user's pending call count.
type Entry struct {
	UserID string
	Count  int
}

// Registry holds pending intents in registration order. Every method takes
// the registry lock for its own duration only; callers never hold it across
// chain round-trips.
type Registry struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Register inserts or overwrites the pending count for userID. Counts are not
// accumulated: callers send the cumulative desired count. An overwrite keeps
// the user's queue position.
func (r *Registry) Register(userID string, count int) error {
	if strings.TrimSpace(userID) == "" {
		return errs.New(errs.CodeInvalidArgument, "userId is required")
	}
	if count <= 0 {
		return errs.Newf(errs.CodeInvalidArgument, "numberOfCalls must be positive, got %d", count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.index[userID]; ok {
		el.Value = Entry{UserID: userID, Count: count}
		return nil
	}
	r.index[userID] = r.order.PushBack(Entry{UserID: userID, Count: count})
	return nil
}

// DrainChunk removes up to limit entries from the head of the queue and
// returns them with the counts they held at removal time.
func (r *Registry) DrainChunk(limit int) []Entry {
	if limit <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(limit, r.order.Len())
	if n == 0 {
		return nil
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		el := r.order.Front()
		entry := r.order.Remove(el).(Entry)
		delete(r.index, entry.UserID)
		out = append(out, entry)
	}
	return out
}

// Restore puts a failed batch back at the head of the queue in its original
// order. A user registered again while the batch was in flight keeps the
// newer count; its snapshot is dropped. Returns the number of entries restored.
func (r *Registry) Restore(entries []Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	var mark *list.Element
	for _, entry := range entries {
		if entry.Count <= 0 || entry.UserID == "" {
			continue
		}
		if _, ok := r.index[entry.UserID]; ok {
			continue
		}
		if mark == nil {
			mark = r.order.PushFront(entry)
		} else {
			mark = r.order.InsertAfter(entry, mark)
		}
		r.index[entry.UserID] = mark
		restored++
	}
	return restored
}

// Settle applies one confirmed execution to each entry of a batch snapshot.
// Remainders above zero are queued at the tail unless the user was registered
// again while the batch was in flight, in which case the newer count wins.
// Returns the users whose intents are now fully executed.
func (r *Registry) Settle(entries []Entry) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var completed []string
	for _, entry := range entries {
		if _, ok := r.index[entry.UserID]; ok {
			continue
		}
		remaining := entry.Count - 1
		if remaining <= 0 {
			completed = append(completed, entry.UserID)
			continue
		}
		r.index[entry.UserID] = r.order.PushBack(Entry{UserID: entry.UserID, Count: remaining})
	}
	return completed
}

// Get returns the pending count for userID.
func (r *Registry) Get(userID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.index[userID]
	if !ok {
		return 0, false
	}
	return el.Value.(Entry).Count, true
}

// Len reports the number of users with pending intents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Snapshot copies the registry contents in queue order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// UserIDs extracts the user ids of a batch in order.
func UserIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.UserID
	}
	return ids
}
