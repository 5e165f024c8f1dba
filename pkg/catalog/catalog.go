// Package catalog implements the catalog reporter described in spec.md
// sections 4.8/4.9/6: a periodic JSON status push to one or more catalog
// hosts, and a periodic pull of factory directives (desired max worker
// counts per factory).
//
// Grounded on spec.md section 6's catalog push field list and on the
// teacher's pkg/client/client.go for the "periodic call to an external
// HTTP endpoint" shape, adapted from gRPC to the JSON/HTTP transport the
// real catalog server speaks.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultPushInterval matches spec.md section 4.1's catalog push cadence.
const DefaultPushInterval = 60 * time.Second

// MaxRecordBytes is the catalog's accepted payload size; records larger
// than this fall back to the lean variant (spec.md section 4.9).
const MaxRecordBytes = 64 * 1024

// Status is the full catalog status record. It is a catalog-only type:
// the manager fills one in from its own counters on every push (see
// pkg/manager's pushCatalog).
type Status struct {
	Type     string `json:"type"`
	Project  string `json:"project"`
	Owner    string `json:"owner"`
	Port     int    `json:"port"`
	StartTime int64 `json:"starttime"`
	Version  string `json:"version"`
	SSL      bool   `json:"ssl"`
	Priority float64 `json:"priority"`

	Workers          int `json:"workers"`
	WorkersConnected int `json:"workers_connected"`
	WorkersInit      int `json:"workers_init"`
	WorkersIdle      int `json:"workers_idle"`
	WorkersBusy      int `json:"workers_busy"`
	WorkersAble      int `json:"workers_able"`
	WorkersJoined    int `json:"workers_joined"`
	WorkersRemoved   int `json:"workers_removed"`
	WorkersReleased  int `json:"workers_released"`
	WorkersIdledOut  int `json:"workers_idled_out"`
	WorkersSlow      int `json:"workers_slow"`
	WorkersLost      int `json:"workers_lost"`
	WorkersBlocked   []string `json:"workers_blocked"`

	TasksWaiting           int `json:"tasks_waiting"`
	TasksRunning           int `json:"tasks_running"`
	TasksOnWorkers         int `json:"tasks_on_workers"`
	TasksWithResults       int `json:"tasks_with_results"`
	TasksLeft              int `json:"tasks_left"`
	TasksSubmitted         int `json:"tasks_submitted"`
	TasksDispatched        int `json:"tasks_dispatched"`
	TasksDone              int `json:"tasks_done"`
	TasksFailed            int `json:"tasks_failed"`
	TasksCancelled         int `json:"tasks_cancelled"`
	TasksExhaustedAttempts int `json:"tasks_exhausted_attempts"`

	TimeSendUsec    int64 `json:"time_send"`
	TimeReceiveUsec int64 `json:"time_receive"`
	TimeExecuteUsec int64 `json:"time_execute"`

	BytesSent     int64   `json:"bytes_sent"`
	BytesReceived int64   `json:"bytes_received"`
	Bandwidth     float64 `json:"bandwidth"`

	CapacityInstantaneous float64 `json:"capacity_instantaneous"`
	CapacityWeighted      float64 `json:"capacity_weighted"`
	ManagerLoad           float64 `json:"manager_load"`

	TotalCores, TotalMemory, TotalDisk, TotalGPUs         float64
	CommittedCores, CommittedMemory, CommittedDisk, CommittedGPUs float64
	MinCores, MinMemory, MinDisk, MinGPUs                 float64
	MaxCores, MaxMemory, MaxDisk, MaxGPUs                 float64

	Categories []CategoryStatus `json:"categories"`

	NetworkInterfaces []string `json:"network_interfaces"`
}

// CategoryStatus is one category's contribution to the catalog record.
type CategoryStatus struct {
	Name        string  `json:"name"`
	TasksDone   int     `json:"tasks_done"`
	TasksFailed int     `json:"tasks_failed"`
	MaxCores    float64 `json:"max_cores"`
	MaxMemory   float64 `json:"max_memory"`
	MaxDisk     float64 `json:"max_disk"`
	MaxGPUs     float64 `json:"max_gpus"`
}

// lean trims Status down to the fields a factory actually needs for
// sizing decisions, used when the full record exceeds MaxRecordBytes
// (spec.md section 4.9).
type lean struct {
	Type             string `json:"type"`
	Project          string `json:"project"`
	Port             int    `json:"port"`
	WorkersConnected int    `json:"workers_connected"`
	TasksWaiting     int    `json:"tasks_waiting"`
	TasksRunning     int    `json:"tasks_running"`
	CapacityWeighted float64 `json:"capacity_weighted"`
}

// Marshal encodes s, falling back to the lean variant if the full
// encoding would exceed MaxRecordBytes. It reports which variant was
// sent.
func Marshal(s Status) (payload []byte, isLean bool, err error) {
	full, err := json.Marshal(s)
	if err != nil {
		return nil, false, err
	}
	if len(full) <= MaxRecordBytes {
		return full, false, nil
	}
	leanPayload, err := json.Marshal(lean{
		Type: s.Type, Project: s.Project, Port: s.Port,
		WorkersConnected: s.WorkersConnected, TasksWaiting: s.TasksWaiting,
		TasksRunning: s.TasksRunning, CapacityWeighted: s.CapacityWeighted,
	})
	return leanPayload, true, err
}

// FactoryDirective is one factory's desired worker count, as returned by
// a catalog query filtered to type=factory.
type FactoryDirective struct {
	Name       string `json:"name"`
	MaxWorkers int    `json:"max_workers"`
}

// Client pushes status records to catalog hosts and pulls factory
// directives.
type Client struct {
	HTTP  *http.Client
	Hosts []string
}

// NewClient creates a catalog client with a bounded-timeout HTTP client.
func NewClient(hosts []string) *Client {
	return &Client{HTTP: &http.Client{Timeout: 10 * time.Second}, Hosts: hosts}
}

// Push POSTs the status record to every configured catalog host. Errors
// from individual hosts are collected but do not stop pushes to the rest.
func (c *Client) Push(ctx context.Context, s Status) error {
	payload, _, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("catalog: marshal status: %w", err)
	}

	var firstErr error
	for _, host := range c.Hosts {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, host+"/query", bytes.NewReader(payload))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Body.Close()
	}
	return firstErr
}

// PullFactories queries the catalog for type=factory records filtered to
// the given factory names (spec.md section 4.8).
func (c *Client) PullFactories(ctx context.Context, names []string) ([]FactoryDirective, error) {
	if len(c.Hosts) == 0 {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Hosts[0]+"/query?type=factory", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var all []FactoryDirective
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("catalog: decode factory directives: %w", err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	out := all[:0]
	for _, d := range all {
		if wanted[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}
