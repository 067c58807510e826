package transport

import (
	"context"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/golang/snappy"
)

// KCP wraps a kcp.UDPSession, optionally compressed with snappy, the
// same layering the teacher uses under its smux sessions: KCP for
// loss-tolerant transport over UDP, snappy for on-the-wire compression.
type KCP struct {
	sess *kcp.UDPSession
	ctx  context.Context

	reader *snappy.Reader
	writer *snappy.Writer
	wmu    sync.Mutex
	stop   chan struct{}
}

// NewKCP wraps sess. When compress is true, reads and writes pass
// through snappy; every Write flushes its compressed block before
// returning, and when flushInterval > 0 a background loop also flushes
// on that interval, mirroring the teacher's snappyConn.flushLoop.
func NewKCP(ctx context.Context, sess *kcp.UDPSession, compress bool, flushInterval time.Duration) *KCP {
	k := &KCP{sess: sess, ctx: ctx}
	if compress {
		k.reader = snappy.NewReader(sess)
		k.writer = snappy.NewBufferedWriter(sess)
		k.stop = make(chan struct{})
		if flushInterval > 0 {
			go k.flushLoop(flushInterval)
		}
	}
	return k
}

func (k *KCP) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.wmu.Lock()
			_ = k.writer.Flush()
			k.wmu.Unlock()
		}
	}
}

func (k *KCP) Read(p []byte) (int, error) {
	if k.reader != nil {
		return k.reader.Read(p)
	}
	return k.sess.Read(p)
}

func (k *KCP) Write(p []byte) (int, error) {
	if k.writer == nil {
		return k.sess.Write(p)
	}
	k.wmu.Lock()
	defer k.wmu.Unlock()
	n, err := k.writer.Write(p)
	if err == nil {
		err = k.writer.Flush()
	}
	return n, err
}

func (k *KCP) Close() error {
	if k.stop != nil {
		select {
		case <-k.stop:
		default:
			close(k.stop)
		}
	}
	return k.sess.Close()
}

func (k *KCP) Context() context.Context { return k.ctx }
