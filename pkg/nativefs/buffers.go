package nativefs

import (
	"io"
	"sync"
)

const copyBufferSize = 256 * 1024

// copyBuffers is shared across all streaming copies so a burst of transfers
// doesn't allocate a fresh buffer per file.
var copyBuffers = sync.Pool{
	New: func() interface{} {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)

	return io.CopyBuffer(dst, src, *buf)
}
