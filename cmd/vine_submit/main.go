// Command vine_submit is a minimal demonstration client for pkg/manager: it
// reads a JSON list of task descriptions, submits them to an embedded
// manager, waits for every one to reach a terminal state, and prints each
// result. spec.md section 1 excludes a full command-line front end; this
// exists only to give the manager library a runnable surface end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinequeue/manager/pkg/log"
	"github.com/vinequeue/manager/pkg/manager"
	"github.com/vinequeue/manager/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vine_submit TASKFILE",
	Short: "Submit a batch of tasks described in a JSON file to a manager and wait for results",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("bind-addr", "0.0.0.0:9123", "Address the embedded manager listens on for workers")
	rootCmd.Flags().String("data-dir", "./vine-submit-data", "Directory for the embedded manager's durable state")
	rootCmd.Flags().Duration("timeout", 0, "Overall wait timeout; zero waits forever")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// taskSpec is the JSON shape read from TASKFILE: one entry per task.
type taskSpec struct {
	Tag        string            `json:"tag"`
	Category   string            `json:"category"`
	Command    string            `json:"command"`
	Inputs     []fileSpec        `json:"inputs"`
	Outputs    []fileSpec        `json:"outputs"`
	Env        map[string]string `json:"env"`
	Cores      float64           `json:"cores"`
	MemoryMB   float64           `json:"memory_mb"`
	DiskMB     float64           `json:"disk_mb"`
	GPUs       float64           `json:"gpus"`
	Priority   float64           `json:"priority"`
	MaxRetries int               `json:"max_retries"`
}

type fileSpec struct {
	Kind       string `json:"kind"` // local-file, buffer, url, directory
	Origin     string `json:"origin"`
	RemoteName string `json:"remote_name"`
	Cache      bool   `json:"cache"`
	Watch      bool   `json:"watch"`
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(logLevel)})

	specs, err := loadTaskSpecs(args[0])
	if err != nil {
		return err
	}

	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	mgr, err := manager.NewManager(manager.Config{
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	defer mgr.Shutdown()

	fmt.Printf("manager listening on %s, waiting for workers to connect\n", mgr.BoundAddr())

	ids := make([]int64, len(specs))
	for i, s := range specs {
		ids[i] = mgr.Submit(toTask(s))
	}
	fmt.Printf("submitted %d tasks\n", len(ids))

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	remaining := map[int64]bool{}
	for _, id := range ids {
		remaining[id] = true
	}
	for len(remaining) > 0 {
		wait := 5 * time.Second
		if !deadline.IsZero() {
			if left := time.Until(deadline); left <= 0 {
				return fmt.Errorf("timed out with %d tasks still outstanding", len(remaining))
			} else if left < wait {
				wait = left
			}
		}
		t := mgr.Wait("", 0, wait)
		if t == nil {
			continue
		}
		delete(remaining, t.ID)
		printResult(t)
	}

	return nil
}

func loadTaskSpecs(path string) ([]taskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	return specs, nil
}

func toTask(s taskSpec) *types.Task {
	t := &types.Task{
		Tag:      s.Tag,
		Category: s.Category,
		Command:  s.Command,
		Env:      s.Env,
		Priority: s.Priority,
		Request: types.ResourceRequest{
			Max: types.ResourceSet{
				Cores:  s.Cores,
				Memory: s.MemoryMB,
				Disk:   s.DiskMB,
				GPUs:   s.GPUs,
			},
		},
		MaxRetries: s.MaxRetries,
		Tier:       types.TierFirst,
	}
	for _, in := range s.Inputs {
		t.Inputs = append(t.Inputs, toBinding(in))
	}
	for _, out := range s.Outputs {
		t.Outputs = append(t.Outputs, toOutputBinding(out))
	}
	return t
}

func toBinding(f fileSpec) *types.FileBinding {
	return &types.FileBinding{
		Kind:       types.FileBindingKind(f.Kind),
		Origin:     f.Origin,
		RemoteName: f.RemoteName,
		Flags: types.BindingFlags{
			Cache: f.Cache,
			Watch: f.Watch,
		},
	}
}

// toOutputBinding builds an output binding: unlike an input, its "origin"
// field names where the manager writes the fetched file locally once the
// task completes, not a source to read from.
func toOutputBinding(f fileSpec) *types.FileBinding {
	b := toBinding(f)
	b.PostExecPath = f.Origin
	b.Origin = ""
	return b
}

func printResult(t *types.Task) {
	fmt.Printf("task %d (%s): result=%s exit=%d try=%d\n", t.ID, t.Tag, t.ResultCode, t.ExitCode, t.TryCount)
	if len(t.Output) > 0 {
		fmt.Printf("  output: %q\n", string(t.Output))
	}
}
