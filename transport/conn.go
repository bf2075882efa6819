package transport

import (
	"net"
	"sync/atomic"
	"time"
)

// deadlineConn arms a fresh deadline before every Read and Write and counts bytes.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	flushBy      atomic.Int64 // unix nanos; when set, replaces the per-write deadline
}

// writeBy pins every later Write, and one already blocked, to one absolute deadline.
func (c *deadlineConn) writeBy(t time.Time) {
	c.flushBy.Store(t.UnixNano())
	c.Conn.SetWriteDeadline(t)
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if c.readTimeout > 0 {
		if err = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return
		}
	}
	n, err = c.Conn.Read(b)
	c.bytesIn.Add(uint64(n))
	return
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if by := c.flushBy.Load(); by != 0 {
		if err = c.Conn.SetWriteDeadline(time.Unix(0, by)); err != nil {
			return
		}
	} else if c.writeTimeout > 0 {
		if err = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return
		}
	}
	n, err = c.Conn.Write(b)
	c.bytesOut.Add(uint64(n))
	return
}
