package manager

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to construct a Manager, grounded on the
// teacher's manager.Config / worker.Config pattern of one flat struct per
// long-lived component.
type Config struct {
	BindAddr string
	DataDir  string

	// LowPort/HighPort bound a scan range tried in order when BindAddr's
	// port is 0, settable via VINE_LOW_PORT/VINE_HIGH_PORT. Both zero
	// means no range: BindAddr is used as-is.
	LowPort  int
	HighPort int

	Project  string
	Owner    string
	Priority float64

	// Bandwidth is the advertised bytes/sec figure pushed to the catalog;
	// zero omits a meaningful value.
	Bandwidth float64

	CatalogHosts []string
	Factories    []string

	TuneProfilePath string
	SharedSecret    string

	// DefaultCapacityTasks overrides the capacity estimator's hard-coded
	// pre-first-completion default when positive (spec.md section 9,
	// "capacity floor" open question).
	DefaultCapacityTasks float64
}

// ApplyEnv overlays the environment variables of spec.md section 6 onto
// c, filling only fields the caller left unset so explicit flags always
// win. Both the taskvine and legacy work_queue names are honored.
func (c *Config) ApplyEnv() {
	if c.BindAddr == "" || strings.HasSuffix(c.BindAddr, ":0") {
		if port, ok := envInt("VINE_PORT", "WORK_QUEUE_PORT"); ok && port > 0 {
			host := strings.TrimSuffix(c.BindAddr, ":0")
			if host == "" {
				host = "0.0.0.0"
			}
			c.BindAddr = host + ":" + strconv.Itoa(port)
		}
	}
	if c.LowPort == 0 {
		if v, ok := envInt("VINE_LOW_PORT", "WORK_QUEUE_LOW_PORT"); ok {
			c.LowPort = v
		}
	}
	if c.HighPort == 0 {
		if v, ok := envInt("VINE_HIGH_PORT", "WORK_QUEUE_HIGH_PORT"); ok {
			c.HighPort = v
		}
	}
	if c.Project == "" {
		if v, ok := envString("VINE_NAME", "WORK_QUEUE_NAME"); ok {
			c.Project = v
		}
	}
	if c.Priority == 0 {
		if v, ok := envFloat("VINE_PRIORITY", "WORK_QUEUE_PRIORITY"); ok {
			c.Priority = v
		}
	}
	if len(c.CatalogHosts) == 0 {
		if v, ok := envString("CATALOG_HOST"); ok {
			c.CatalogHosts = strings.Split(v, ",")
		}
	}
	if c.Bandwidth == 0 {
		if v, ok := envFloat("VINE_BANDWIDTH", "WORK_QUEUE_BANDWIDTH"); ok {
			c.Bandwidth = v
		}
	}
}

func envString(names ...string) (string, bool) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v, true
		}
	}
	return "", false
}

func envInt(names ...string) (int, bool) {
	s, ok := envString(names...)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(names ...string) (float64, bool) {
	s, ok := envString(names...)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Tunables holds the manager.tune(name, value) surface of spec.md section
// 6, with defaults matching the values quoted throughout the spec.
type Tunables struct {
	ResourceSubmitMultiplier  float64
	MinTransferTimeout        time.Duration
	DefaultTransferRate       float64 // bytes/sec
	TransferOutlierFactor     float64
	DisconnectSlowWorkerMult  float64
	KeepaliveInterval         time.Duration
	KeepaliveTimeout          time.Duration
	ShortTimeout              time.Duration
	LongTimeout               time.Duration
	HungryMinimum             int
	WaitForWorkers             int
	WaitRetrieveMany          bool
	ProportionalResources     bool
	ProportionalWholeTasks    bool
	FileSourceMaxTransfers    int
	CategorySteadyNTasks      int
}

// DefaultTunables matches the defaults stated throughout spec.md section
// 4.1/4.5/4.7.
func DefaultTunables() Tunables {
	return Tunables{
		ResourceSubmitMultiplier: 1.0,
		MinTransferTimeout:       3 * time.Second,
		DefaultTransferRate:      1 << 20, // 1 MiB/s
		TransferOutlierFactor:    10,
		DisconnectSlowWorkerMult: 3,
		KeepaliveInterval:        120 * time.Second,
		KeepaliveTimeout:         900 * time.Second,
		ShortTimeout:             5 * time.Second,
		LongTimeout:              3600 * time.Second,
		HungryMinimum:            10,
		WaitForWorkers:           0,
		WaitRetrieveMany:         false,
		ProportionalResources:    true,
		ProportionalWholeTasks:   false,
		FileSourceMaxTransfers:   1,
		CategorySteadyNTasks:     10,
	}
}

// Tune implements the single tune(name, value) entry point of spec.md
// section 6. Unknown names return an error; recognized names parse value
// against the field's natural type.
func (t *Tunables) Tune(name, value string) error {
	switch name {
	case "resource-submit-multiplier":
		return setFloat(&t.ResourceSubmitMultiplier, value)
	case "min-transfer-timeout":
		return setSeconds(&t.MinTransferTimeout, value)
	case "default-transfer-rate":
		return setFloat(&t.DefaultTransferRate, value)
	case "transfer-outlier-factor":
		return setFloat(&t.TransferOutlierFactor, value)
	case "disconnect-slow-worker-factor":
		return setFloat(&t.DisconnectSlowWorkerMult, value)
	case "keepalive-interval":
		return setSeconds(&t.KeepaliveInterval, value)
	case "keepalive-timeout":
		return setSeconds(&t.KeepaliveTimeout, value)
	case "short-timeout":
		return setSeconds(&t.ShortTimeout, value)
	case "long-timeout":
		return setSeconds(&t.LongTimeout, value)
	case "hungry-minimum":
		return setInt(&t.HungryMinimum, value)
	case "wait-for-workers":
		return setInt(&t.WaitForWorkers, value)
	case "wait-retrieve-many":
		return setBool(&t.WaitRetrieveMany, value)
	case "proportional-resources":
		return setBool(&t.ProportionalResources, value)
	case "proportional-whole-tasks":
		return setBool(&t.ProportionalWholeTasks, value)
	case "file-source-max-transfers":
		return setInt(&t.FileSourceMaxTransfers, value)
	case "category-steady-n-tasks":
		return setInt(&t.CategorySteadyNTasks, value)
	default:
		return fmt.Errorf("manager: unrecognized tunable %q", name)
	}
}

func setFloat(dst *float64, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("manager: parse tunable value %q: %w", value, err)
	}
	*dst = v
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("manager: parse tunable value %q: %w", value, err)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("manager: parse tunable value %q: %w", value, err)
	}
	*dst = v
	return nil
}

func setSeconds(dst *time.Duration, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("manager: parse tunable value %q: %w", value, err)
	}
	*dst = time.Duration(v * float64(time.Second))
	return nil
}

// tuneProfile is the on-disk shape LoadTuneProfile reads; field names
// mirror the tune(name, value) identifiers with underscores instead of
// hyphens since YAML keys are friendlier that way.
type tuneProfile map[string]string

// LoadTuneProfile reads a YAML file of tunable-name -> value pairs and
// applies them over DefaultTunables.
func LoadTuneProfile(path string) (Tunables, error) {
	t := DefaultTunables()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("manager: read tune profile: %w", err)
	}
	var profile tuneProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return t, fmt.Errorf("manager: parse tune profile: %w", err)
	}
	for name, value := range profile {
		if err := t.Tune(strings.ReplaceAll(name, "_", "-"), value); err != nil {
			return t, err
		}
	}
	return t, nil
}

// estimateTransferTimeout derives a per-transfer deadline from the
// configured default transfer rate and outlier factor, floored at
// MinTransferTimeout, grounded on vine_manager.c's
// vine_manager_transfer_time estimate.
func (t Tunables) estimateTransferTimeout(sizeBytes int64) time.Duration {
	if t.DefaultTransferRate <= 0 {
		return t.MinTransferTimeout
	}
	seconds := float64(sizeBytes) / t.DefaultTransferRate * t.TransferOutlierFactor
	est := time.Duration(seconds * float64(time.Second))
	if est < t.MinTransferTimeout {
		return t.MinTransferTimeout
	}
	return est
}
