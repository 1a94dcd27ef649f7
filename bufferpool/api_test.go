package bufferpool

import (
	"testing"
)

func TestAPI(t *testing.T) {
	pool := CreateBufferPool("bufferpool_test", 4096, 3)

	if 3 != pool.FreeBufferCount() {
		t.Fatalf("FreeBufferCount() expected 3, got %v", pool.FreeBufferCount())
	}
	if 4096 != pool.BufferSize() {
		t.Fatalf("BufferSize() expected 4096, got %v", pool.BufferSize())
	}

	buf1 := pool.TryGetBuffer()
	if nil == buf1 {
		t.Fatalf("TryGetBuffer() [1] unexpectedly returned nil")
	}
	if 4096 != len(buf1) {
		t.Fatalf("TryGetBuffer() [1] returned buffer of length %v", len(buf1))
	}
	buf2 := pool.TryGetBuffer()
	if nil == buf2 {
		t.Fatalf("TryGetBuffer() [2] unexpectedly returned nil")
	}
	buf3 := pool.TryGetBuffer()
	if nil == buf3 {
		t.Fatalf("TryGetBuffer() [3] unexpectedly returned nil")
	}
	if 0 != pool.FreeBufferCount() {
		t.Fatalf("FreeBufferCount() expected 0, got %v", pool.FreeBufferCount())
	}

	buf4 := pool.TryGetBuffer()
	if nil != buf4 {
		t.Fatalf("TryGetBuffer() on exhausted pool unexpectedly returned a buffer")
	}

	pool.ReturnBuffer(buf2)
	if 1 != pool.FreeBufferCount() {
		t.Fatalf("FreeBufferCount() expected 1 after ReturnBuffer(), got %v", pool.FreeBufferCount())
	}

	buf5 := pool.TryGetBuffer()
	if nil == buf5 {
		t.Fatalf("TryGetBuffer() after ReturnBuffer() unexpectedly returned nil")
	}
	if &buf5[0] != &buf2[0] {
		t.Fatalf("TryGetBuffer() did not hand back the returned buffer")
	}

	pool.ReturnBuffer(buf1)
	pool.ReturnBuffer(buf3)
	pool.ReturnBuffer(buf5)
	if 3 != pool.FreeBufferCount() {
		t.Fatalf("FreeBufferCount() expected 3 at end, got %v", pool.FreeBufferCount())
	}

	DeleteBufferPool(pool)
	if nil != pool.TryGetBuffer() {
		t.Fatalf("TryGetBuffer() on deleted pool unexpectedly returned a buffer")
	}
}

func TestDoubleReturnPanics(t *testing.T) {
	pool := CreateBufferPool("bufferpool_test", 512, 1)
	buf := pool.TryGetBuffer()
	pool.ReturnBuffer(buf)

	defer func() {
		if nil == recover() {
			t.Fatalf("double ReturnBuffer() unexpectedly did not panic")
		}
		DeleteBufferPool(pool)
	}()
	pool.ReturnBuffer(buf)
}

func TestForeignReturnPanics(t *testing.T) {
	pool := CreateBufferPool("bufferpool_test", 512, 1)
	foreign := make([]byte, 512)

	defer func() {
		if nil == recover() {
			t.Fatalf("ReturnBuffer() of a foreign buffer unexpectedly did not panic")
		}
		DeleteBufferPool(pool)
	}()
	pool.ReturnBuffer(foreign)
}
