package engine

import (
	"sync"
	"time"
)

// Telegram directions
const (
	DirectionRx = "rx"
	DirectionTx = "tx"
)

// DefaultHistory is the number of telegrams kept when none is configured.
const DefaultHistory = 1000

// TelegramRecord is one telegram seen on the tunnel.
type TelegramRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	ChannelID byte      `json:"channel_id"`
	Sequence  byte      `json:"sequence"`
	Raw       []byte    `json:"raw"`
}

// RingBuffer is a fixed-size circular buffer of telegram records.
type RingBuffer struct {
	mu      sync.Mutex
	entries []TelegramRecord
	head    int
	count   int
	size    int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultHistory
	}
	return &RingBuffer{
		entries: make([]TelegramRecord, size),
		size:    size,
	}
}

// Add appends a record, overwriting the oldest if full.
func (r *RingBuffer) Add(rec TelegramRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		idx = r.head
		r.head = (r.head + 1) % r.size
	} else {
		r.count++
	}

	// Copy so the caller can reuse the slice.
	rec.Raw = append([]byte(nil), rec.Raw...)
	r.entries[idx] = rec
}

// Since returns all records with timestamps strictly after ts, oldest first.
func (r *RingBuffer) Since(ts time.Time) []TelegramRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []TelegramRecord
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%r.size]
		if e.Timestamp.After(ts) {
			result = append(result, e)
		}
	}
	return result
}

// Recent returns up to n of the newest records, oldest first.
// n <= 0 returns everything held.
func (r *RingBuffer) Recent(n int) []TelegramRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	result := make([]TelegramRecord, 0, n)
	for i := r.count - n; i < r.count; i++ {
		result = append(result, r.entries[(r.head+i)%r.size])
	}
	return result
}

// Len returns the number of records held.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
