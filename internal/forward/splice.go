package forward

import (
	"io"
	"net"
	"sync"
)

// SpliceChunkSize is the default fixed chunk size spec §4.9 splices
// buffer in (32 KiB).
const SpliceChunkSize = 32 * 1024

// halfCloser is satisfied by *net.TCPConn and *tls.Conn, letting Splice
// propagate a one-sided EOF instead of tearing down the whole socket
// immediately (spec §4.9: "the half-close is propagated only after the
// buffered data has been drained to the other side").
type halfCloser interface {
	CloseWrite() error
}

// Splice runs the full-duplex byte-forwarding loop of spec §4.9 between a
// and b: two directions, each a goroutine doing a buffered copy, with
// half-close propagated once one side's reads are exhausted. onBytes, if
// non-nil, is called with the byte count forwarded in each direction (the
// bridge to internal/metrics.Collector.AddProxyBytesForwarded). Splice
// blocks until both directions have finished, then closes both
// connections.
//
// Go's io.Copy over a buffered chunk already gives the "at most one
// outstanding write at a time" and "new buffer only once free space runs
// low" invariants spec §4.9 spells out explicitly for an async reactor:
// each direction is a single goroutine serially reading then writing, so
// there is never a second write in flight on the same socket, and the
// buffer is reused chunk by chunk rather than grown.
func Splice(a, b net.Conn, onBytes func(direction string, n int64)) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		spliceOneWay(a, b, "a->b", onBytes)
	}()
	go func() {
		defer wg.Done()
		spliceOneWay(b, a, "b->a", onBytes)
	}()

	wg.Wait()
	a.Close()
	b.Close()
}

func spliceOneWay(src, dst net.Conn, direction string, onBytes func(direction string, n int64)) {
	buf := make([]byte, SpliceChunkSize)
	n, _ := io.CopyBuffer(writerOnly{dst}, src, buf)
	if onBytes != nil && n > 0 {
		onBytes(direction, n)
	}
	// Half-close: let the peer observe EOF on reads without losing
	// whatever the other direction still has buffered (spec §4.9's
	// "drain before propagating close").
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
}

// writerOnly hides Read from io.CopyBuffer's ReaderFrom/WriterTo fast
// paths, forcing it through the explicit buf (and therefore the fixed
// chunk size spec §4.9 calls for) instead of an unbounded splice(2)-style
// zero-copy shortcut the stdlib might otherwise pick.
type writerOnly struct {
	w io.Writer
}

func (w writerOnly) Write(p []byte) (int, error) { return w.w.Write(p) }
