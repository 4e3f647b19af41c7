package chunk

// queue is a FIFO of chunk arena indices holding each index at most once.
type queue struct {
	items []int
	head  int
	set   map[int]struct{}
}

// push appends i unless it is already queued. It reports whether i was added.
func (q *queue) push(i int) bool {
	if q.set == nil {
		q.set = make(map[int]struct{})
	}
	if _, ok := q.set[i]; ok {
		return false
	}
	q.set[i] = struct{}{}
	q.items = append(q.items, i)
	return true
}

func (q *queue) pop() (int, bool) {
	if q.head == len(q.items) {
		return 0, false
	}
	i := q.items[q.head]
	q.head++
	delete(q.set, i)
	if q.head == len(q.items) {
		// Drained, reuse the backing array.
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return i, true
}

func (q *queue) len() int { return len(q.items) - q.head }
