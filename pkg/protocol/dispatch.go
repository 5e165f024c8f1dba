package protocol

import (
	"fmt"
	"net/url"
	"time"
)

// WorkerEvent is the decoded form of one worker -> manager message,
// produced by ReadOne and consumed by the manager's per-worker message
// handler (spec.md section 4.2).
type WorkerEvent struct {
	Kind WorkerEventKind

	// Handshake
	Protocol int
	Host     string
	OS       string
	Arch     string
	Version  string

	// info
	InfoField string
	InfoValue string

	// resource
	ResourceName              string
	ResourceTotal, ResourceSmallest, ResourceLargest float64

	// feature
	FeatureName string

	// cache-update / cache-invalid
	CacheName    string
	Size         int64
	TransferTime time.Duration
	TransferID   string
	ErrorText    string

	// transfer-address
	TransferHost string
	TransferPort int

	// result
	TaskID       int64
	Status       int
	ExitCode     int
	Output       []byte
	ExecuteTime  time.Duration

	// update (watched output append)
	UpdatePath   string
	UpdateOffset int64
	UpdateLength int64
	UpdateBytes  []byte

	// status query / HTTP GET on the worker port
	StatusTopic string
	HTTPPath    string
}

// WorkerEventKind enumerates the worker -> manager verbs of section 4.2/6.
type WorkerEventKind string

const (
	EventAlive           WorkerEventKind = "alive"
	EventHandshake       WorkerEventKind = "handshake"
	EventInfo            WorkerEventKind = "info"
	EventResource        WorkerEventKind = "resource"
	EventFeature         WorkerEventKind = "feature"
	EventCacheUpdate     WorkerEventKind = "cache-update"
	EventCacheInvalid    WorkerEventKind = "cache-invalid"
	EventTransferAddress WorkerEventKind = "transfer-address"
	EventAvailableResult WorkerEventKind = "available_results"
	EventResult          WorkerEventKind = "result"
	EventGetData         WorkerEventKind = "getdata"
	EventUpdate          WorkerEventKind = "update"
	EventEnd             WorkerEventKind = "end"
	EventStatusQuery     WorkerEventKind = "status-query"
	EventHTTPGet         WorkerEventKind = "http-get"
	EventUnknown         WorkerEventKind = "unknown"
)

// ReadOne reads and decodes exactly one worker message, including any
// binary payload the control line announces. It is a protocol violation
// (returned as an error) for an unrecognized verb to appear, per spec.md
// section 4.2 "Unknown messages ... are a worker failure" -- callers
// should tear the connection down on error after draining nothing further,
// since alignment is already lost.
func (c *Conn) ReadOne() (WorkerEvent, error) {
	line, err := c.ReadLine(c.ShortTimeout)
	if err != nil {
		return WorkerEvent{}, err
	}
	msg := ParseMessage(line)

	switch msg.Verb {
	case "alive":
		return WorkerEvent{Kind: EventAlive}, nil

	case "workqueue", "taskvine":
		if len(msg.Fields) < 4 {
			return WorkerEvent{}, fmt.Errorf("protocol: malformed handshake %q", line)
		}
		proto, err := msg.IntField(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{
			Kind:     EventHandshake,
			Protocol: int(proto),
			Host:     msg.Fields[1],
			OS:       msg.Fields[2],
			Arch:     msg.Fields[3],
			Version:  fieldOrEmpty(msg.Fields, 4),
		}, nil

	case "info":
		field, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		value := ""
		if len(msg.Fields) > 1 {
			value = msg.Fields[1]
		}
		return WorkerEvent{Kind: EventInfo, InfoField: field, InfoValue: value}, nil

	case "resource":
		name, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		total, err := msg.FloatField(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		smallest, err := msg.FloatField(2)
		if err != nil {
			return WorkerEvent{}, err
		}
		largest, err := msg.FloatField(3)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{
			Kind: EventResource, ResourceName: name,
			ResourceTotal: total, ResourceSmallest: smallest, ResourceLargest: largest,
		}, nil

	case "feature":
		raw, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		name, err := url.QueryUnescape(raw)
		if err != nil {
			name = raw
		}
		return WorkerEvent{Kind: EventFeature, FeatureName: name}, nil

	case "cache-update":
		name, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		size, err := msg.IntField(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		usec, err := msg.IntField(2)
		if err != nil {
			return WorkerEvent{}, err
		}
		uuid := fieldOrEmpty(msg.Fields, 3)
		return WorkerEvent{
			Kind: EventCacheUpdate, CacheName: name, Size: size,
			TransferTime: time.Duration(usec) * time.Microsecond, TransferID: uuid,
		}, nil

	case "cache-invalid":
		name, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		n, err := msg.IntField(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		uuid := fieldOrEmpty(msg.Fields, 2)
		body, err := c.ReadBytes(n, c.LongTimeout)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{Kind: EventCacheInvalid, CacheName: name, TransferID: uuid, ErrorText: string(body)}, nil

	case "transfer-address":
		host, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		port, err := msg.IntField(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{Kind: EventTransferAddress, TransferHost: host, TransferPort: int(port)}, nil

	case "available_results":
		return WorkerEvent{Kind: EventAvailableResult}, nil

	case "result":
		status, err := msg.IntField(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		exit, err := msg.IntField(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		outlen, err := msg.IntField(2)
		if err != nil {
			return WorkerEvent{}, err
		}
		execUsec, err := msg.IntField(3)
		if err != nil {
			return WorkerEvent{}, err
		}
		taskID, err := msg.IntField(4)
		if err != nil {
			return WorkerEvent{}, err
		}
		out, err := c.ReadBytes(outlen, c.LongTimeout)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{
			Kind: EventResult, Status: int(status), ExitCode: int(exit),
			Output: out, ExecuteTime: time.Duration(execUsec) * time.Microsecond, TaskID: taskID,
		}, nil

	case "getdata":
		name, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		size, err := msg.IntField(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		body, err := c.ReadBytes(size, c.LongTimeout)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{Kind: EventGetData, CacheName: name, Size: size, Output: body}, nil

	case "update":
		taskID, err := msg.IntField(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		path, err := msg.Field(1)
		if err != nil {
			return WorkerEvent{}, err
		}
		offset, err := msg.IntField(2)
		if err != nil {
			return WorkerEvent{}, err
		}
		length, err := msg.IntField(3)
		if err != nil {
			return WorkerEvent{}, err
		}
		body, err := c.ReadBytes(length, c.LongTimeout)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{
			Kind: EventUpdate, TaskID: taskID, UpdatePath: path,
			UpdateOffset: offset, UpdateLength: length, UpdateBytes: body,
		}, nil

	case "end":
		return WorkerEvent{Kind: EventEnd}, nil

	case "queue_status", "task_status", "worker_status", "resources_status", "wable_status":
		// A status-query connection: the caller answers with a JSON
		// payload and disconnects (spec.md section 4.2).
		return WorkerEvent{Kind: EventStatusQuery, StatusTopic: msg.Verb}, nil

	case "GET":
		path, err := msg.Field(0)
		if err != nil {
			return WorkerEvent{}, err
		}
		return WorkerEvent{Kind: EventHTTPGet, HTTPPath: path}, nil

	default:
		return WorkerEvent{}, fmt.Errorf("protocol: unrecognized verb %q", msg.Verb)
	}
}

func fieldOrEmpty(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}
