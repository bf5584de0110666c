package output

import (
	"sync"

	"stalehunt/classifier"
	"stalehunt/hasher"
	"stalehunt/logger"
)

// RecordWriter is the subset of Writer the queue publishes to.
type RecordWriter interface {
	WriteFinding(rec FindingRecord)
	WriteLog(level, message string)
}

// QueueOptions controls what the queue does with each message.
type QueueOptions struct {
	Size           int
	LogRecords     bool
	HashAlgorithms []string
}

type queueItem struct {
	level   string
	message string
	finding *classifier.Finding
}

// Queue is the shared result sink. Publishers from many dispatch goroutines
// enqueue into one bounded channel and a single consumer writes records in
// arrival order, so messages from one publisher never reorder.
type Queue struct {
	mu     sync.RWMutex
	closed bool
	items  chan queueItem
	done   chan struct{}
	writer RecordWriter
	opts   QueueOptions
}

func NewQueue(w RecordWriter, opts QueueOptions) *Queue {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	q := &Queue{
		items:  make(chan queueItem, opts.Size),
		done:   make(chan struct{}),
		writer: w,
		opts:   opts,
	}
	go q.run()
	return q
}

func (q *Queue) Trace(msg string) {
	q.publish(queueItem{level: "trace", message: msg})
}

func (q *Queue) Error(msg string) {
	q.publish(queueItem{level: "error", message: msg})
}

func (q *Queue) Finding(f classifier.Finding) {
	q.publish(queueItem{finding: &f})
}

// publish blocks while the buffer is full. Messages published after Close
// are logged directly and not written.
func (q *Queue) publish(item queueItem) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		logger.Debugf("Dropping %s message after queue close", itemKind(item))
		return
	}
	q.items <- item
}

// Close stops accepting messages and waits until everything already queued
// has been written.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.items {
		q.safeHandle(item)
	}
}

// safeHandle keeps the consumer alive when the writer panics on one item.
func (q *Queue) safeHandle(item queueItem) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Failed to write %s record: %v", itemKind(item), r)
		}
	}()
	q.handle(item)
}

func (q *Queue) handle(item queueItem) {
	switch {
	case item.finding != nil:
		q.writeFinding(*item.finding)
	case item.level == "error":
		logger.Error(item.message)
		q.writer.WriteLog("error", item.message)
	default:
		logger.Trace(item.message)
		if q.opts.LogRecords {
			q.writer.WriteLog("trace", item.message)
		}
	}
}

func (q *Queue) writeFinding(f classifier.Finding) {
	var hashes map[string]string
	if len(q.opts.HashAlgorithms) > 0 {
		hashes = hasher.ComputeHashes(f.Source.Path, q.opts.HashAlgorithms)
	}
	logger.WithFields(map[string]interface{}{
		"rule":        f.Rule.Name,
		"severity":    f.Rule.Severity.String(),
		"permissions": f.Capabilities.Code(),
		"path":        f.Source.Path,
	}).Info("Finding")
	q.writer.WriteFinding(NewFindingRecord(f, hashes))
}

func itemKind(item queueItem) string {
	if item.finding != nil {
		return "finding"
	}
	return item.level
}
