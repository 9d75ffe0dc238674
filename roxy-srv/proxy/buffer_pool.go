package proxy

import (
	"bufio"
	"io"
	"sync"
)

// PeekBufferSize bounds a single peek and the scratch buffer that receives
// the consumed bytes.
const PeekBufferSize = 4096

// bufferPool holds scratch buffers for moving consumed bytes from one socket
// to the other.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, PeekBufferSize)
		return &buf
	},
}

// readerPool holds the per-socket read buffers that make peeking possible.
var readerPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewReaderSize(nil, PeekBufferSize)
	},
}

// getBuffer retrieves a buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

func getReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

func putReader(br *bufio.Reader) {
	if br != nil {
		br.Reset(nil)
		readerPool.Put(br)
	}
}
