package session

// evictItem is one entry in the eviction heap: a committed session's
// client id, the commit timestamp it was inserted with, and the
// sequence number assigned at insertion. seq lets CommitRequest
// invalidate a client's earlier heap entries without searching for and
// removing them: a popped item whose seq no longer matches the table's
// record for that client is simply discarded.
type evictItem struct {
	clientID ClientID
	commitTS int64
	seq      uint64
}

// evictionHeap is a container/heap min-heap ordered by commitTS, giving
// CommitRequest's eviction step O(log n) access to the committed entry
// with the oldest commit timestamp.
type evictionHeap []evictItem

func (h evictionHeap) Len() int { return len(h) }

func (h evictionHeap) Less(i, j int) bool {
	return h[i].commitTS < h[j].commitTS
}

func (h evictionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *evictionHeap) Push(x any) {
	*h = append(*h, x.(evictItem))
}

func (h *evictionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
