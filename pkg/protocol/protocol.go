// Package protocol implements the manager/worker wire protocol described in
// spec.md section 6: line-oriented ASCII framing over TCP, with binary
// payloads announced by a length field on their preceding control line.
//
// Grounded on original_source/taskvine/src/manager/vine_manager.c's
// link_readline/link_read loop and the verb table in section 6, adapted to
// the teacher's connection-handling idiom (pkg/worker/worker.go's
// bufio-backed read loop with explicit deadlines per message).
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Default timeouts per spec.md section 4.3.
const (
	DefaultShortTimeout = 5 * time.Second
	DefaultLongTimeout   = 3600 * time.Second
)

// Conn wraps one worker connection with the line/length framing the
// protocol needs, and tracks the per-connection timeouts used to bound
// every read.
type Conn struct {
	netConn net.Conn
	r       *bufio.Reader
	w       *bufio.Writer

	ShortTimeout time.Duration
	LongTimeout  time.Duration

	// LastMessageRecv is updated by every successful Read* call. The
	// manager's keepalive check uses the worker record's own
	// LastMessageRecv, which it refreshes for every decoded message.
	LastMessageRecv time.Time
}

// NewConn wraps an accepted net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		netConn:      c,
		r:            bufio.NewReader(c),
		w:            bufio.NewWriter(c),
		ShortTimeout: DefaultShortTimeout,
		LongTimeout:  DefaultLongTimeout,
	}
}

// RemoteHost returns the connection's remote host (no port).
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.netConn.RemoteAddr().String())
	if err != nil {
		return c.netConn.RemoteAddr().String()
	}
	return host
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// ReadLine reads one line (without its trailing newline), honoring the
// given deadline. Use ShortTimeout for control traffic and LongTimeout
// mid-message, per spec.md section 4.3.
func (c *Conn) ReadLine(deadline time.Duration) (string, error) {
	if err := c.netConn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	c.LastMessageRecv = time.Now()
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadBytes reads exactly n bytes of binary payload, honoring deadline.
func (c *Conn) ReadBytes(n int64, deadline time.Duration) ([]byte, error) {
	if err := c.netConn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	c.LastMessageRecv = time.Now()
	return buf, nil
}

// WriteLine writes one line, appending a trailing newline, and flushes.
func (c *Conn) WriteLine(line string, deadline time.Duration) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteBytes writes a raw binary payload (no framing of its own; the
// caller must have already sent a control line announcing its length).
func (c *Conn) WriteBytes(b []byte, deadline time.Duration) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// Message is one decoded worker -> manager control line, split on
// whitespace into Verb and Fields.
type Message struct {
	Verb   string
	Fields []string
	Raw    string
}

// ParseMessage splits a raw line into verb + fields.
func ParseMessage(line string) Message {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{Raw: line}
	}
	return Message{Verb: fields[0], Fields: fields[1:], Raw: line}
}

// Field returns the i-th field or an error if out of range.
func (m Message) Field(i int) (string, error) {
	if i < 0 || i >= len(m.Fields) {
		return "", fmt.Errorf("protocol: message %q missing field %d", m.Raw, i)
	}
	return m.Fields[i], nil
}

// IntField parses the i-th field as an int64.
func (m Message) IntField(i int) (int64, error) {
	s, err := m.Field(i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: field %d of %q not an integer: %w", i, m.Raw, err)
	}
	return v, nil
}

// FloatField parses the i-th field as a float64.
func (m Message) FloatField(i int) (float64, error) {
	s, err := m.Field(i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: field %d of %q not a number: %w", i, m.Raw, err)
	}
	return v, nil
}

// ---- manager -> worker verb builders (spec.md section 6) ----

// HandshakeLine builds the manager's initial `workqueue <protocol> <addr> <port>` line.
func HandshakeLine(protocolVersion int, addr string, port int) string {
	return fmt.Sprintf("workqueue %d %s %d", protocolVersion, addr, port)
}

// SendResultsLine requests a bulk result drain: `send_results <max>`.
func SendResultsLine(max int) string {
	return fmt.Sprintf("send_results %d", max)
}

// PutLine announces a plain `put` transfer: `put <cache-name> <size> <mode>`.
func PutLine(cacheName string, size int64, mode int) string {
	return fmt.Sprintf("put %s %d %d", cacheName, size, mode)
}

// PutURLLine announces a URL-sourced transfer:
// `puturl <url> <cache-name> <size> <mode> <uuid>`.
func PutURLLine(url, cacheName string, size int64, mode int, uuid string) string {
	return fmt.Sprintf("puturl %s %s %d %d %s", url, cacheName, size, mode, uuid)
}

// MiniTaskLine announces a `mini_task <spec>` transfer.
func MiniTaskLine(spec string) string {
	return "mini_task " + spec
}

// GetLine requests an output be streamed back: `get <cache-name> <path>`.
func GetLine(cacheName, path string) string {
	return fmt.Sprintf("get %s %s", cacheName, path)
}

// GetDataLine announces the worker's reply to a get request:
// `getdata <cache-name> <size>` followed by size bytes of file content.
func GetDataLine(cacheName string, size int64) string {
	return fmt.Sprintf("getdata %s %d", cacheName, size)
}

// UnlinkLine requests deletion of a cached file: `unlink <cache-name>`.
func UnlinkLine(cacheName string) string {
	return "unlink " + cacheName
}

// KillLine sends `kill <taskid>`.
func KillLine(taskID int64) string {
	return fmt.Sprintf("kill %d", taskID)
}

// KillAllLine sends `kill -1`, killing every task on the worker.
func KillAllLine() string {
	return "kill -1"
}

// ReleaseLine sends `release`.
func ReleaseLine() string { return "release" }

// ExitLine sends `exit`.
func ExitLine() string { return "exit" }

// CheckLine sends the keepalive probe `check`.
func CheckLine() string { return "check" }

// TaskHeaderLine begins a `task <id>` block; the caller follows with the
// framed command/env/etc. lines and terminates with "end".
func TaskHeaderLine(taskID int64) string {
	return fmt.Sprintf("task %d", taskID)
}

// FramedLine builds the byte-count header line the task block uses to
// frame command/environment strings: `<field> <len>`. The caller writes
// the payload bytes after it.
func FramedLine(field string, payload string) string {
	return fmt.Sprintf("%s %d", field, len(payload))
}

// EndLine terminates a multi-line block.
func EndLine() string { return "end" }
