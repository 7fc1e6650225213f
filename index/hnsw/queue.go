package hnsw

// queueItem pairs a node index in the graph arena with its distance
// from the query.
type queueItem struct {
	Node     uint32
	Distance float32
}

// priorityQueue is a value-based binary heap over queueItems. Storing
// items by value keeps traversal allocation free on the hot path.
type priorityQueue struct {
	isMaxHeap bool
	items     []queueItem
}

func newMinQueue() *priorityQueue { return &priorityQueue{} }
func newMaxQueue() *priorityQueue { return &priorityQueue{isMaxHeap: true} }

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Top() (queueItem, bool) {
	if len(pq.items) == 0 {
		return queueItem{}, false
	}
	return pq.items[0], true
}

func (pq *priorityQueue) Push(item queueItem) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

func (pq *priorityQueue) Pop() (queueItem, bool) {
	n := len(pq.items)
	if n == 0 {
		return queueItem{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

func (pq *priorityQueue) less(i, j int) bool {
	if pq.isMaxHeap {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

func (pq *priorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *priorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
