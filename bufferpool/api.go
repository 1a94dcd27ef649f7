// Package bufferpool implements a fixed-size pool of page-aligned chunk
// buffers backing the write-buffer area. All buffers are allocated at pool
// creation; TryGetBuffer() never allocates and never blocks.
package bufferpool

import (
	"fmt"

	"github.com/ncw/directio"

	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

type bufferState uint8

const (
	bufferFree bufferState = iota
	bufferInUse
)

// BufferPool is a fixed set of equally sized buffers, each aligned so it can
// be handed directly to O_DIRECT transfers.
type BufferPool struct {
	trackedlock.Mutex
	owner    string
	bufSize  uint64
	freeList [][]byte
	state    map[*byte]bufferState // key: &buf[0]
	deleted  bool
}

// CreateBufferPool allocates count buffers of bufSize bytes each. The owner
// string is used only for logging.
func CreateBufferPool(owner string, bufSize uint64, count uint32) (pool *BufferPool) {
	pool = &BufferPool{
		owner:    owner,
		bufSize:  bufSize,
		freeList: make([][]byte, 0, count),
		state:    make(map[*byte]bufferState, count),
	}
	for i := uint32(0); i < count; i++ {
		buf := directio.AlignedBlock(int(bufSize))
		pool.freeList = append(pool.freeList, buf)
		pool.state[&buf[0]] = bufferFree
	}
	logger.Tracef("bufferpool: created pool for %s: %d buffers of %d bytes", owner, count, bufSize)
	return
}

// DeleteBufferPool tears down the pool. Outstanding buffers are logged; the
// memory is reclaimed by the garbage collector once callers drop them.
func DeleteBufferPool(pool *BufferPool) {
	pool.Lock()
	outstanding := len(pool.state) - len(pool.freeList)
	if 0 != outstanding {
		logger.Warnf("bufferpool: deleting pool for %s with %d buffers outstanding", pool.owner, outstanding)
	}
	pool.freeList = nil
	pool.state = nil
	pool.deleted = true
	pool.Unlock()
}

// TryGetBuffer returns a free buffer or nil if the pool is exhausted. It
// never blocks.
func (pool *BufferPool) TryGetBuffer() (buf []byte) {
	pool.Lock()
	if pool.deleted || 0 == len(pool.freeList) {
		pool.Unlock()
		stats.IncrementOperations(&stats.BufferExhaustedOps)
		buf = nil
		return
	}
	buf = pool.freeList[len(pool.freeList)-1]
	pool.freeList = pool.freeList[:len(pool.freeList)-1]
	pool.state[&buf[0]] = bufferInUse
	pool.Unlock()
	stats.IncrementOperations(&stats.BufferGetOps)
	return
}

// ReturnBuffer puts buf back on the free list. Returning a buffer that did
// not come from this pool, or returning the same buffer twice, panics.
func (pool *BufferPool) ReturnBuffer(buf []byte) {
	pool.Lock()
	if pool.deleted {
		pool.Unlock()
		return
	}
	state, ok := pool.state[&buf[0]]
	if !ok {
		pool.Unlock()
		panic(fmt.Sprintf("bufferpool: pool for %s: ReturnBuffer() of a buffer at %p not owned by this pool", pool.owner, &buf[0]))
	}
	if bufferFree == state {
		pool.Unlock()
		panic(fmt.Sprintf("bufferpool: pool for %s: double ReturnBuffer() of buffer at %p", pool.owner, &buf[0]))
	}
	pool.state[&buf[0]] = bufferFree
	pool.freeList = append(pool.freeList, buf[:pool.bufSize])
	pool.Unlock()
	stats.IncrementOperations(&stats.BufferReturnOps)
}

// FreeBufferCount returns the number of buffers currently on the free list.
func (pool *BufferPool) FreeBufferCount() (freeCount uint32) {
	pool.Lock()
	freeCount = uint32(len(pool.freeList))
	pool.Unlock()
	return
}

// BufferSize returns the size of each buffer in the pool.
func (pool *BufferPool) BufferSize() (bufSize uint64) {
	bufSize = pool.bufSize
	return
}
