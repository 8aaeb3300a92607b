package rowqueue

// keyQueue is a FIFO of row keys with set semantics: a key is queued at
// most once. Callers hold the Queue mutex, so it carries no lock of its
// own.
type keyQueue struct {
	keys   []string
	queued map[string]bool
}

func newKeyQueue() *keyQueue {
	return &keyQueue{
		keys:   make([]string, 0, 16),
		queued: make(map[string]bool),
	}
}

// Enqueue adds key to the back unless it is already queued. Returns
// whether it was added.
func (q *keyQueue) Enqueue(key string) bool {
	if q.queued[key] {
		return false
	}
	q.queued[key] = true
	q.keys = append(q.keys, key)
	return true
}

// TryDequeue removes and returns the front key.
func (q *keyQueue) TryDequeue() (string, bool) {
	if len(q.keys) == 0 {
		return "", false
	}
	key := q.keys[0]
	q.keys[0] = ""
	if len(q.keys) == 1 {
		q.keys = q.keys[:0]
	} else {
		q.keys = q.keys[1:]
	}
	delete(q.queued, key)
	return key, true
}

// Remove drops key wherever it is queued.
func (q *keyQueue) Remove(key string) bool {
	if !q.queued[key] {
		return false
	}
	delete(q.queued, key)
	for i, k := range q.keys {
		if k == key {
			q.keys = append(q.keys[:i], q.keys[i+1:]...)
			break
		}
	}
	return true
}

// Rekey replaces from with to in place, keeping its position.
func (q *keyQueue) Rekey(from, to string) {
	if !q.queued[from] {
		return
	}
	delete(q.queued, from)
	if q.queued[to] {
		// Already queued under the to key; drop the alias.
		for i, k := range q.keys {
			if k == from {
				q.keys = append(q.keys[:i], q.keys[i+1:]...)
				break
			}
		}
		return
	}
	q.queued[to] = true
	for i, k := range q.keys {
		if k == from {
			q.keys[i] = to
			break
		}
	}
}

// Contains reports whether key is queued.
func (q *keyQueue) Contains(key string) bool {
	return q.queued[key]
}

// Len returns the number of queued keys.
func (q *keyQueue) Len() int {
	return len(q.keys)
}

// Clear empties the queue.
func (q *keyQueue) Clear() {
	q.keys = q.keys[:0]
	q.queued = make(map[string]bool)
}
