package pkgreader

import (
	"errors"
	"io"
	"sync"
)

// errStopped is returned by both ends once Stop has been called, to
// distinguish cancellation from a normal, drained Close.
var errStopped = errors.New("pkgreader: ring buffer stopped")

// ringBuffer is a bounded single-producer/single-consumer byte buffer
// used to stream an entry's decompressed bytes across a goroutine
// boundary without buffering the whole entry in memory.
type ringBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf        []byte
	start, len int
	closed     bool
	stopped    bool
}

func newRingBuffer(capacity int) *ringBuffer {
	rb := &ringBuffer{buf: make([]byte, capacity)}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb
}

// Write blocks until room is available, copying p in as many chunks as
// the wraparound buffer requires.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for written < len(p) {
		for rb.len == len(rb.buf) && !rb.stopped {
			rb.notFull.Wait()
		}
		if rb.stopped {
			return written, errStopped
		}
		// Bound the copy to the free contiguous run before copying, so a
		// wrapped buffer never has its unread tail overwritten.
		free := len(rb.buf) - rb.len
		writeAt := (rb.start + rb.len) % len(rb.buf)
		n := len(rb.buf) - writeAt
		if n > free {
			n = free
		}
		if n > len(p)-written {
			n = len(p) - written
		}
		copy(rb.buf[writeAt:writeAt+n], p[written:written+n])
		rb.len += n
		written += n
		rb.notEmpty.Signal()
	}
	return written, nil
}

// Close marks the producer side done; readers drain remaining bytes
// then see io.EOF.
func (rb *ringBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.notEmpty.Broadcast()
}

// Stop aborts both sides immediately, for cancellation mid-stream.
func (rb *ringBuffer) Stop() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.stopped = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

func (rb *ringBuffer) Read(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.len == 0 && !rb.closed && !rb.stopped {
		rb.notEmpty.Wait()
	}
	if rb.stopped {
		return 0, errStopped
	}
	if rb.len == 0 && rb.closed {
		return 0, io.EOF
	}
	n := len(rb.buf) - rb.start
	if n > rb.len {
		n = rb.len
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, rb.buf[rb.start:rb.start+n])
	rb.start = (rb.start + n) % len(rb.buf)
	rb.len -= n
	rb.notFull.Signal()
	return n, nil
}
