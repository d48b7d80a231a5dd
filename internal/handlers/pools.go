package handlers

import (
	"bytes"
	"sync"
)

// Request bodies are small; responses carry whole rendered pages.
const (
	requestBufferSize  = 4 << 10
	responseBufferSize = 64 << 10

	// Buffers that grew past this are dropped instead of pooled so one huge
	// page does not pin memory.
	maxPooledBufferSize = 4 << 20
)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{pool: sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, size)) },
	}}
}

func (p *bufferPool) get() *bytes.Buffer {
	if buf, ok := p.pool.Get().(*bytes.Buffer); ok {
		return buf
	}
	return new(bytes.Buffer)
}

func (p *bufferPool) put(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

var (
	requestBuffers  = newBufferPool(requestBufferSize)
	responseBuffers = newBufferPool(responseBufferSize)
)

func getBuffer() *bytes.Buffer            { return requestBuffers.get() }
func putBuffer(buf *bytes.Buffer)         { requestBuffers.put(buf) }
func getResponseBuffer() *bytes.Buffer    { return responseBuffers.get() }
func putResponseBuffer(buf *bytes.Buffer) { responseBuffers.put(buf) }
