package runtime

import (
	"io"
	"sync"
	"sync/atomic"
)

// Stdin of an exec process.
//
// The containerd shim keeps both ends of the stdin FIFO open, so the process
// never sees EOF on its own. The stream records when its source is drained
// (or fails) so the caller can close the process stdin explicitly.
type stdinStream struct {
	src  io.Reader
	n    atomic.Int64 // Bytes forwarded.
	once sync.Once
	err  error // Read error other than EOF, valid after drained fires.
	done chan struct{}
}

func newStdinStream(src io.Reader) *stdinStream {
	return &stdinStream{src: src, done: make(chan struct{})}
}

func (s *stdinStream) Read(p []byte) (int, error) {
	n, err := s.src.Read(p)
	s.n.Add(int64(n))
	if err != nil {
		s.once.Do(func() {
			if err != io.EOF {
				s.err = err
			}
			close(s.done)
		})
	}
	return n, err
}

// Returns a channel closed once the source returned EOF or an error.
func (s *stdinStream) drained() <-chan struct{} {
	return s.done
}
