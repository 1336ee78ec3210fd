// Package pending 维护已经写入当前聚合缓冲区、等待落盘确认的写入方队列。
package pending

import (
	"context"

	"github.com/stripecache/stripecache/internal/fragment"
)

// Range 是写入方数据在聚合缓冲区内占用的区间。
type Range struct {
	Start int
	Len   int
}

// Result 为写入方收到的完成通知：成功时 Err 为空、Location 有效。
type Result struct {
	Location fragment.Location
	Err      error
}

// Entry 是队列中的一个轻量句柄，不持有写入方内存。
type Entry struct {
	ID     uint64
	Range  Range
	Ctx    context.Context
	Notify func(Result)
}

func (e *Entry) cancelled() bool {
	return e.Ctx != nil && e.Ctx.Err() != nil
}

// Queue 为 FIFO，按入队顺序派发，派发后立即移除，保证每个 entry 只通知一次。
type Queue struct {
	entries []Entry
}

// Enqueue 追加到队尾。
func (q *Queue) Enqueue(e Entry) {
	q.entries = append(q.entries, e)
}

// Len 返回排队中的写入方数量。
func (q *Queue) Len() int {
	return len(q.entries)
}

// Bytes 返回队列中所有写入方占用的字节总数。
func (q *Queue) Bytes() int {
	total := 0
	for i := range q.entries {
		total += q.entries[i].Range.Len
	}
	return total
}

// DrainInOrder 在刷盘成功后按入队顺序通知每个写入方其绝对磁盘偏移，返回实际通知的数量。
// 已取消的写入方数据照常落盘，但不再回调。
func (q *Queue) DrainInOrder(base uint64, generation uint32) int {
	entries := q.take()
	notified := 0
	for i := range entries {
		e := &entries[i]
		if e.cancelled() || e.Notify == nil {
			continue
		}
		e.Notify(Result{Location: fragment.Location{
			Offset:     base + uint64(e.Range.Start),
			Length:     uint32(e.Range.Len),
			Generation: generation,
		}})
		notified++
	}
	return notified
}

// FailAll 在刷盘失败时通知所有写入方失败并清空队列。
func (q *Queue) FailAll(err error) int {
	entries := q.take()
	notified := 0
	for i := range entries {
		e := &entries[i]
		if e.cancelled() || e.Notify == nil {
			continue
		}
		e.Notify(Result{Err: err})
		notified++
	}
	return notified
}

// take 先摘下全部条目再派发，回调中重入 Enqueue 不会被本轮派发。
func (q *Queue) take() []Entry {
	entries := q.entries
	q.entries = nil
	return entries
}
