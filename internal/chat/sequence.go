package chat

// sequence is a room's ordered message list with an id index.
type sequence struct {
	msgs []Message
	idx  map[string]int
}

func newSequence() *sequence {
	return &sequence{idx: make(map[string]int)}
}

func (q *sequence) has(id string) bool {
	_, ok := q.idx[id]
	return ok
}

func (q *sequence) upsert(m Message) {
	if i, ok := q.idx[m.ID]; ok {
		q.msgs[i] = m
		return
	}
	q.idx[m.ID] = len(q.msgs)
	q.msgs = append(q.msgs, m)
}

// reconcile upserts m, dropping the optimistic copy it acknowledges.
func (q *sequence) reconcile(m Message) {
	if m.ClientKey != "" {
		q.remove(localID(m.ClientKey))
	}
	q.upsert(m)
}

func (q *sequence) remove(id string) bool {
	i, ok := q.idx[id]
	if !ok {
		return false
	}
	q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
	q.reindex()
	return true
}

func (q *sequence) sort() {
	SortMessages(q.msgs)
	q.reindex()
}

func (q *sequence) reindex() {
	clear(q.idx)
	for i, m := range q.msgs {
		q.idx[m.ID] = i
	}
}

func (q *sequence) snapshot() []Message {
	out := make([]Message, len(q.msgs))
	copy(out, q.msgs)
	return out
}
