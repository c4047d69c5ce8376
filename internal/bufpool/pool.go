// Package bufpool recycles fixed-size byte buffers used for chunk payloads.
package bufpool

import (
	"errors"
	"io"
	"sync"
)

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	pool sync.Pool
	size int
}

func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of length Size. Contents are not zeroed.
func (p *Pool) Get() []byte {
	buf := *(p.pool.Get().(*[]byte))
	if cap(buf) < p.size {
		return make([]byte, p.size)
	}
	return buf[:p.size]
}

// Put returns buf to the pool. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

func (p *Pool) Size() int {
	return p.size
}

// Fill reads from r until buf is full or r is exhausted and returns the
// number of bytes read. Running out of input early is not an error.
func Fill(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	return n, err
}
