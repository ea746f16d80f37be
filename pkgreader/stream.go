package pkgreader

import (
	"io"
)

// streamBufferSize is the ring buffer capacity used by OpenEntryStreaming;
// large enough to keep the decoder ahead of a block-device writer without
// holding a whole image in memory.
const streamBufferSize = 1 << 20

// EntryStream is the consumer end of a streamed entry: reads drain the
// ring buffer the producer goroutine fills. Close stops the producer and
// releases both sides without waiting for the stream to drain.
type EntryStream struct {
	rb   *ringBuffer
	done chan error
}

func (s *EntryStream) Read(p []byte) (int, error) { return s.rb.Read(p) }

// Close aborts the stream. The producer's decode error, if it failed
// before Close, is returned so a consumer that read fewer bytes than it
// expected can see why.
func (s *EntryStream) Close() error {
	s.rb.Stop()
	return <-s.done
}

// OpenEntryStreaming opens the named component the way OpenEntry does,
// but runs the decoder on its own goroutine feeding a bounded ring
// buffer: one producer filling, one consumer draining, a Stop that
// releases both sides.
func (r *Reader) OpenEntryStreaming(id string) (*EntryStream, error) {
	in, err := r.OpenEntry(id)
	if err != nil {
		return nil, err
	}

	rb := newRingBuffer(streamBufferSize)
	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(rb, in)
		in.Close()
		rb.Close()
		if copyErr == errStopped {
			copyErr = nil
		}
		done <- copyErr
	}()
	return &EntryStream{rb: rb, done: done}, nil
}
