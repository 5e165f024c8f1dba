// Package testutil provides an in-process fake worker that speaks the
// real wire protocol over a loopback TCP connection, substituting for a
// remote worker process in manager/scheduler tests the way
// test/framework drives a real cluster in the teacher repo.
package testutil

import (
	"fmt"
	"net"

	"github.com/vinequeue/manager/pkg/protocol"
)

// FakeWorker is a minimal scripted worker: it dials the manager, performs
// the taskvine handshake, reports resources, and then lets the test drive
// further messages explicitly.
type FakeWorker struct {
	Conn *protocol.Conn
	raw  net.Conn
}

// Dial connects to addr and returns an unconfigured FakeWorker.
func Dial(addr string) (*FakeWorker, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &FakeWorker{Conn: protocol.NewConn(c), raw: c}, nil
}

// Handshake sends the taskvine handshake line, simulating a
// newly-connected worker identifying itself. Resource lines are sent
// separately with ReportResource.
func (f *FakeWorker) Handshake(host, os, arch, version string) error {
	line := fmt.Sprintf("taskvine 1 %s %s %s %s", host, os, arch, version)
	return f.Conn.WriteLine(line, f.Conn.ShortTimeout)
}

// ReportResource sends one `resource <name> <total> <smallest> <largest>` line.
func (f *FakeWorker) ReportResource(name string, total, smallest, largest float64) error {
	line := fmt.Sprintf("resource %s %g %g %g", name, total, smallest, largest)
	return f.Conn.WriteLine(line, f.Conn.ShortTimeout)
}

// EndResourceUpdate sends `info end_of_resource_update 0`.
func (f *FakeWorker) EndResourceUpdate() error {
	return f.Conn.WriteLine("info end_of_resource_update 0", f.Conn.ShortTimeout)
}

// SendResult sends a `result` message with the given output.
func (f *FakeWorker) SendResult(taskID int64, status, exitCode int, execUsec int64, output []byte) error {
	line := fmt.Sprintf("result %d %d %d %d %d", status, exitCode, len(output), execUsec, taskID)
	if err := f.Conn.WriteLine(line, f.Conn.ShortTimeout); err != nil {
		return err
	}
	return f.Conn.WriteBytes(output, f.Conn.LongTimeout)
}

// SendGetData replies to a manager `get` request with the named cache
// entry's file content.
func (f *FakeWorker) SendGetData(cacheName string, data []byte) error {
	line := protocol.GetDataLine(cacheName, int64(len(data)))
	if err := f.Conn.WriteLine(line, f.Conn.ShortTimeout); err != nil {
		return err
	}
	return f.Conn.WriteBytes(data, f.Conn.LongTimeout)
}

// SendCacheUpdate sends a `cache-update` message.
func (f *FakeWorker) SendCacheUpdate(cacheName string, size int64, transferUsec int64, transferID string) error {
	line := fmt.Sprintf("cache-update %s %d %d %s", cacheName, size, transferUsec, transferID)
	return f.Conn.WriteLine(line, f.Conn.ShortTimeout)
}

// SendEnd sends the terminating `end` line of a result drain.
func (f *FakeWorker) SendEnd() error {
	return f.Conn.WriteLine("end", f.Conn.ShortTimeout)
}

// SendAlive sends a bare keepalive response.
func (f *FakeWorker) SendAlive() error {
	return f.Conn.WriteLine("alive", f.Conn.ShortTimeout)
}

// ReadLine reads one raw manager -> worker line (e.g. to assert on a
// commit's `task <id>` header).
func (f *FakeWorker) ReadLine() (string, error) {
	return f.Conn.ReadLine(f.Conn.LongTimeout)
}

// Close closes the underlying connection.
func (f *FakeWorker) Close() error {
	return f.raw.Close()
}
