package pool

import (
	"bytes"
	"sync"
)

// maxPooledBuffer caps the capacity of buffers kept for reuse so one huge
// frame does not pin memory for the lifetime of the process.
const maxPooledBuffer = 64 * 1024

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer returns an empty buffer from the pool.
func GetBuffer() *bytes.Buffer {
	buf, _ := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	return buf
}

// PutBuffer returns buf to the pool. Oversized buffers are dropped.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}
