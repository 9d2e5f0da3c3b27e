// Package status holds the most recent frame outcome for pollers.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Publisher exposes the latest outcome. Reads never block and always see a whole outcome.
type Publisher struct {
	current atomic.Pointer[types.Outcome]

	writerOnce sync.Once
	writer     *Writer
}

// NewPublisher returns a publisher whose initial outcome is Waiting.
func NewPublisher() *Publisher {
	p := &Publisher{}
	p.current.Store(&types.Outcome{Status: types.StatusWaiting, Distance: 1, Timestamp: time.Now()})
	return p
}

// Current returns a copy of the latest outcome.
func (p *Publisher) Current() types.Outcome {
	return *p.current.Load()
}

// Writer returns the single write handle for this publisher. The first caller receives it and
// every later call returns nil.
func (p *Publisher) Writer() *Writer {
	var w *Writer
	p.writerOnce.Do(func() {
		p.writer = &Writer{p: p}
		w = p.writer
	})
	return w
}

func (p *Publisher) publish(o types.Outcome) {
	p.current.Store(&o)
}

// Writer is the publish capability held by exactly one pipeline.
type Writer struct {
	p *Publisher
}

// Publish replaces the current outcome.
func (w *Writer) Publish(o types.Outcome) {
	w.p.publish(o)
}

// Reset sets the outcome back to Waiting.
func (w *Writer) Reset() {
	w.p.publish(types.Outcome{Status: types.StatusWaiting, Distance: 1, Timestamp: time.Now()})
}
