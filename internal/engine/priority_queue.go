package engine

import (
	"shopflow/internal/types"
)

// StartRequest 是一次开工请求：把 ready 工序推进到 in_progress
type StartRequest struct {
	RepairOrderID string
	StageID       string
	Priority      types.Priority
	IsRush        bool
	Technician    string
	Bay           string
}

// Item 是优先级队列中的元素，包装了 StartRequest
type Item struct {
	Request *StartRequest
	seq     uint64 // 入队序号，同优先级先进先出
	index   int    // 元素在堆中的索引
}

// PriorityQueue 实现了 heap.Interface 接口
// 加急工序最先出队，其次按优先级从高到低，最后按入队顺序
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i].Request, pq[j].Request
	if a.IsRush != b.IsRush {
		return a.IsRush
	}
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*Item)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// victimQueue 是挤占候选的最小堆：优先级最低的先出，同优先级时最近预留的先出
type victimQueue []*Allocation

func (q victimQueue) Len() int { return len(q) }

func (q victimQueue) Less(i, j int) bool {
	if q[i].Priority.Rank() != q[j].Priority.Rank() {
		return q[i].Priority.Rank() < q[j].Priority.Rank()
	}
	return q[i].seq > q[j].seq
}

func (q victimQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *victimQueue) Push(x interface{}) { *q = append(*q, x.(*Allocation)) }

func (q *victimQueue) Pop() interface{} {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return a
}
