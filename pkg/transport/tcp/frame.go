package tcp

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// Commands and replies. Every header is a single line of space separated
// ASCII tokens terminated by '\n'.
const (
	CmdPut = "PUT"
	CmdGet = "GET"

	ReplyOK   = "OK"
	ReplyErr  = "ERR"
	ReplySize = "SIZE"
)

// MaxHeaderSize bounds how many bytes we read while looking for '\n'.
const MaxHeaderSize = 512

var (
	ErrHeaderTooLong = errors.New("header line too long")
	ErrBadHeader     = errors.New("malformed header")
)

// writeHeader writes the fields as one newline terminated line.
func writeHeader(w io.Writer, fields ...string) error {
	_, err := io.WriteString(w, strings.Join(fields, " ")+"\n")
	return err
}

// readHeader reads one header line a byte at a time, so that nothing past
// the '\n' is consumed from the connection. The payload that follows is
// left for the caller.
func readHeader(r io.Reader) ([]string, error) {
	var line []byte
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
			if len(line) > MaxHeaderSize {
				return nil, ErrHeaderTooLong
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	fields := strings.Fields(strings.TrimRight(string(line), "\r"))
	if len(fields) == 0 {
		return nil, ErrBadHeader
	}
	return fields, nil
}

// idleConn refreshes the deadline before every read and write, so a peer
// that stops sending for longer than timeout gets its connection aborted.
// A non-zero hard deadline caps every refreshed deadline.
type idleConn struct {
	net.Conn
	timeout time.Duration
	hard    time.Time
}

func withIdleTimeout(conn net.Conn, timeout time.Duration, hard time.Time) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, timeout: timeout, hard: hard}
}

func (c *idleConn) next() time.Time {
	d := time.Now().Add(c.timeout)
	if !c.hard.IsZero() && c.hard.Before(d) {
		return c.hard
	}
	return d
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(c.next()); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(c.next()); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// closeWrite half-closes the send side when the underlying connection
// supports it.
func closeWrite(conn net.Conn) error {
	if ic, ok := conn.(*idleConn); ok {
		conn = ic.Conn
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
