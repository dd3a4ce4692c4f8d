package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"payment-relay/pkg/payments"
)

var ErrQueueFull = errors.New("queue is full")

const shardCount = 16

// Keys are ordered by the monotonic clock; wall time is never part of the
// ordering truth.
var monotonicBase = time.Now()

func nowNanos() int64 {
	return int64(time.Since(monotonicBase))
}

// Key is the buffer's total order: monotonic nanoseconds first, insertion
// tag as the tie-break. Tags carry no meaning beyond uniqueness.
type Key struct {
	Nanos int64
	Tag   uint64
}

func (k Key) Less(other Key) bool {
	if k.Nanos != other.Nanos {
		return k.Nanos < other.Nanos
	}
	return k.Tag < other.Tag
}

type node struct {
	key        Key
	enqueuedAt int64
	payment    *payments.Payment
	next       *node
}

type shard struct {
	mu   sync.Mutex
	head *node
	tail *node
}

func (s *shard) insert(n *node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail == nil {
		s.head, s.tail = n, n
		return
	}
	if s.tail.key.Less(n.key) {
		s.tail.next = n
		s.tail = n
		return
	}

	// Clock readings taken on different goroutines can land here slightly
	// out of order; walk from the head to keep the shard sorted.
	if n.key.Less(s.head.key) {
		n.next = s.head
		s.head = n
		return
	}
	prev := s.head
	for prev.next != nil && prev.next.key.Less(n.key) {
		prev = prev.next
	}
	n.next = prev.next
	prev.next = n
	if n.next == nil {
		s.tail = n
	}
}

func (s *shard) peek() (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return Key{}, false
	}
	return s.head.key, true
}

// popIf removes the head only if it still carries the observed key. A
// false return means another consumer won the take and the caller must
// re-read the heads.
func (s *shard) popIf(key Key) (*node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil || s.head.key != key {
		return nil, false
	}
	n := s.head
	s.head = n.next
	if s.head == nil {
		s.tail = nil
	}
	n.next = nil
	return n, true
}

// Queue is the ingest buffer: a sharded ordered list keyed by
// (monotonic_nanos, tag) with atomic size and in-flight counters. Producers
// contend only on their tag's shard; consumers take the globally smallest
// head.
type Queue struct {
	shards   [shardCount]shard
	maxSize  int64
	tag      atomic.Uint64
	size     atomic.Int64
	inFlight atomic.Int64
}

// New creates a buffer admitting at most maxSize entries. maxSize <= 0
// means unbounded.
func New(maxSize int64) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue admits p unless the buffer is full. The capacity check is a
// best-effort pre-read: racing producers can overshoot by at most the
// producer count, which the contract allows.
func (q *Queue) Enqueue(p *payments.Payment) error {
	if q.maxSize > 0 && q.size.Load() >= q.maxSize {
		return ErrQueueFull
	}

	tag := q.tag.Add(1)
	nanos := nowNanos()
	n := &node{
		key:        Key{Nanos: nanos, Tag: tag},
		enqueuedAt: nanos,
		payment:    p,
	}
	q.shards[tag%shardCount].insert(n)
	q.size.Add(1)
	return nil
}

// Dequeue removes and returns the entry with the smallest key plus its
// queue wait in milliseconds. Losing the head race to another consumer is
// an internal retry, not an error.
func (q *Queue) Dequeue() (*payments.Payment, int64, bool) {
	for {
		bestShard := -1
		var bestKey Key
		for i := range q.shards {
			key, ok := q.shards[i].peek()
			if !ok {
				continue
			}
			if bestShard == -1 || key.Less(bestKey) {
				bestShard, bestKey = i, key
			}
		}
		if bestShard == -1 {
			return nil, 0, false
		}

		n, ok := q.shards[bestShard].popIf(bestKey)
		if !ok {
			continue
		}
		q.size.Add(-1)
		waitMs := (nowNanos() - n.enqueuedAt) / int64(time.Millisecond)
		return n.payment, waitMs, true
	}
}

func (q *Queue) Size() int64 {
	if n := q.size.Load(); n > 0 {
		return n
	}
	return 0
}

func (q *Queue) InFlight() int64 {
	if n := q.inFlight.Load(); n > 0 {
		return n
	}
	return 0
}

func (q *Queue) WorkerStarted() {
	q.inFlight.Add(1)
}

func (q *Queue) WorkerFinished() {
	if q.inFlight.Add(-1) < 0 {
		q.inFlight.Store(0)
	}
}
