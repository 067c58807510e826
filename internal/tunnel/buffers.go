package tunnel

import "github.com/valyala/bytebufferpool"

// mssPool leases the single fixed-size scratch buffer each Connection
// reuses across every remote-to-outbound read (spec.md §3 invariant
// 3). One lease is taken at Listen/BindRemote/DialRemote time and
// released exactly once at disposal — this is a long-lived checkout,
// not the pool's usual per-call borrow/return.
var mssPool bytebufferpool.Pool

func leaseBuffer(size int) *bytebufferpool.ByteBuffer {
	buf := mssPool.Get()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	return buf
}

func releaseBuffer(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	mssPool.Put(buf)
}
