package db

import (
	"log"
	"sync"
	"time"
)

// BatchWriter coalesces order audit rows into transactional batches so a
// burst of fan-out fills does not serialize on per-row commits.
type BatchWriter struct {
	store       *Store
	mu          sync.Mutex
	buffer      []OrderRow
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup

	totalWrites  uint64
	totalBatches uint64
	totalErrors  uint64
}

// NewBatchWriter starts a writer that flushes at maxSize rows or every interval.
func NewBatchWriter(store *Store, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		store:       store,
		buffer:      make([]OrderRow, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// EnqueueOrder queues one audit row for the next flush.
func (bw *BatchWriter) EnqueueOrder(row OrderRow) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, row)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()
	if full {
		bw.Flush()
	}
}

// Flush writes all buffered rows in one transaction.
func (bw *BatchWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.buffer
	bw.buffer = make([]OrderRow, 0, bw.maxSize)
	bw.mu.Unlock()

	tx, err := bw.store.DB.Begin()
	if err != nil {
		log.Printf("batch writer: begin tx: %v", err)
		bw.mu.Lock()
		bw.totalErrors++
		bw.mu.Unlock()
		return
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO orders (
			id, account_id, position_id, symbol, side, requested_size, size_type,
			filled_volume, filled_price, status, reason, balance_delta, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Printf("batch writer: prepare: %v", err)
		return
	}

	for _, r := range batch {
		if _, err := stmt.Exec(r.ID, r.AccountID, r.PositionID, r.Symbol, r.Side,
			r.RequestedSize, r.SizeType, r.FilledVolume, r.FilledPrice,
			r.Status, r.Reason, r.BalanceDelta, r.CreatedAt); err != nil {
			log.Printf("batch writer: insert order %s: %v", r.ID, err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		log.Printf("batch writer: commit: %v", err)
		bw.mu.Lock()
		bw.totalErrors++
		bw.mu.Unlock()
		return
	}

	bw.mu.Lock()
	bw.totalWrites += uint64(len(batch))
	bw.totalBatches++
	bw.mu.Unlock()
}

// Stats returns lifetime counters.
func (bw *BatchWriter) Stats() (writes, batches, errors uint64) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.totalWrites, bw.totalBatches, bw.totalErrors
}

// Close flushes remaining rows and stops the background loop.
func (bw *BatchWriter) Close() {
	close(bw.done)
	bw.wg.Wait()
	bw.Flush()
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bw.Flush()
		case <-bw.done:
			return
		}
	}
}
