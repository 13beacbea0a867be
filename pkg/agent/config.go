package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/spf13/afero"
)

type Config struct {
	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// URI of the control plane, e.g. tcp://controlplane:9090.
	ServerUri string `mapstructure:"server_uri"`

	// Credentials used to mint the registration token.
	ApiKey    string `mapstructure:"api_key"`
	ApiSecret string `mapstructure:"api_secret"`

	// Name reported at registration. Defaults to a stable
	// machine-derived identity.
	AgentName string `mapstructure:"agent_name"`

	// The kind of jobs this worker handles.
	WorkerType string `mapstructure:"worker_type"`

	// Command launched for every job process.
	Runner []string `mapstructure:"runner"`

	// Optional address for the status HTTP endpoint,
	// e.g. tcp://:7980. Empty disables the endpoint.
	ListenHttp string `mapstructure:"listen_http"`

	// Production mode drains on the first interrupt
	// instead of closing immediately.
	Production bool `mapstructure:"production"`

	// Target number of warm, job-less processes.
	NumIdleProcesses int `mapstructure:"num_idle_processes"`

	// Maximum concurrent jobs, used by the default load function.
	MaxJobs int `mapstructure:"max_jobs"`

	// Load at or above which the worker reports itself full.
	LoadThreshold float64 `mapstructure:"load_threshold"`

	// Liveness probe interval for job processes.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// A process that has not answered a ping for this long
	// is considered hung and killed.
	PongDeadline time.Duration `mapstructure:"pong_deadline"`

	// Ping round trips above this threshold are logged.
	HighPingThreshold time.Duration `mapstructure:"high_ping_threshold"`

	// A process that has not finished starting its job within
	// this time is killed.
	StartTimeout time.Duration `mapstructure:"start_timeout"`

	// Grace period for a process to exit after a shutdown request.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// An accepted offer lapses if the assignment does not arrive
	// within this time.
	AssignmentTimeout time.Duration `mapstructure:"assignment_timeout"`

	// Interval between load/status reports to the control plane.
	StatusInterval time.Duration `mapstructure:"status_interval"`

	// Reconnect policy: delay min(attempt*retry_delay, retry_delay_max),
	// fatal after max_retry failed attempts.
	MaxRetry      int           `mapstructure:"max_retry"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryDelayMax time.Duration `mapstructure:"retry_delay_max"`

	// Bound on waiting for running jobs during a drain.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	JobLog JobLogConfig `mapstructure:"joblog"`
}

func (c *Config) SetDefaults() {
	if c.AgentName == "" {
		c.AgentName = defaultAgentName()
	}
	if c.WorkerType == "" {
		c.WorkerType = string(protocol.WorkerTypeRoom)
	}
	if c.NumIdleProcesses <= 0 {
		c.NumIdleProcesses = 3
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = 8
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = 0.8
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.PongDeadline <= 0 {
		c.PongDeadline = 90 * time.Second
	}
	if c.HighPingThreshold <= 0 {
		c.HighPingThreshold = 10 * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 90 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.AssignmentTimeout <= 0 {
		c.AssignmentTimeout = 7500 * time.Millisecond
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 2500 * time.Millisecond
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 16
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RetryDelayMax <= 0 {
		c.RetryDelayMax = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 120 * time.Second
	}
	c.JobLog.SetDefaults()
}

// Checks if the worker configuration is valid.
func (c *Config) Validate() error {
	if c.ApiKey == "" || c.ApiSecret == "" {
		return utils.ErrMissingCredentials
	}

	if c.ServerUri == "" {
		return fmt.Errorf("A server URI is required")
	}

	if _, err := utils.ParseGrpcUrl(c.ServerUri); err != nil {
		return fmt.Errorf("The server URI is not a valid URI: %v", err)
	}

	if len(c.Runner) == 0 {
		return fmt.Errorf("A job runner command is required")
	}

	switch protocol.WorkerType(c.WorkerType) {
	case protocol.WorkerTypeRoom, protocol.WorkerTypePublisher:
	default:
		return fmt.Errorf("Unknown worker type: %s", c.WorkerType)
	}

	if c.ListenHttp != "" {
		if _, err := utils.ParseHttpUrl(c.ListenHttp); err != nil {
			return fmt.Errorf("The HTTP listen address is not a valid URI: %v", err)
		}
	}

	return nil
}

func (c *Config) Log(logger *log.Logger) {
	logger.Info("Worker configuration:")
	logger.Infof("  server_uri = %s", c.ServerUri)
	logger.Infof("  agent_name = %s", c.AgentName)
	logger.Infof("  worker_type = %s", c.WorkerType)
	logger.Infof("  runner = %v", c.Runner)
	logger.Infof("  listen_http = %s", c.ListenHttp)
	logger.Infof("  production = %v", c.Production)
	logger.Infof("  num_idle_processes = %d", c.NumIdleProcesses)
	logger.Infof("  max_jobs = %d", c.MaxJobs)
	logger.Infof("  load_threshold = %g", c.LoadThreshold)
	logger.Infof("  ping_interval = %v", c.PingInterval)
	logger.Infof("  pong_deadline = %v", c.PongDeadline)
	logger.Infof("  start_timeout = %v", c.StartTimeout)
	logger.Infof("  shutdown_timeout = %v", c.ShutdownTimeout)
	logger.Infof("  assignment_timeout = %v", c.AssignmentTimeout)
	logger.Infof("  status_interval = %v", c.StatusInterval)
	logger.Infof("  max_retry = %d", c.MaxRetry)
	logger.Infof("  drain_timeout = %v", c.DrainTimeout)
	c.JobLog.Log(logger)
	c.Grpc.Log(logger)
}

func defaultAgentName() string {
	if id, err := machineid.ProtectedID("flotilla-worker"); err == nil && len(id) >= 8 {
		return "worker-" + id[:8]
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return hostname
}

type JobLogConfig struct {
	// Maximum total size of archived job logs.
	// When exceeded, the oldest archives are removed.
	Size_ string `mapstructure:"size"`

	// Storage type: "memory" or "disk".
	StorageType string `mapstructure:"storage"`

	// Path to store job logs (for disk storage).
	Path string `mapstructure:"path"`
}

func (c *JobLogConfig) MaxSize() int64 {
	size, _ := utils.ParseSize(c.Size_)
	return size
}

func (c *JobLogConfig) SetDefaults() {
	if c.StorageType == "" {
		c.StorageType = "memory"
	}
	if c.Size_ == "" {
		c.Size_ = "256MiB"
	}
}

func (c *JobLogConfig) CreateFs() (afero.Fs, error) {
	switch c.StorageType {
	case "disk":
		if c.Path == "" {
			return nil, fmt.Errorf("no path configured for job log disk storage")
		}

		os := afero.NewOsFs()
		if err := os.MkdirAll(c.Path, 0777); err != nil {
			return nil, err
		}

		return afero.NewBasePathFs(os, c.Path), nil

	case "", "memory":
		return afero.NewMemMapFs(), nil

	default:
		return nil, fmt.Errorf("invalid job log storage type configured: %s", c.StorageType)
	}
}

func (c *JobLogConfig) Log(logger *log.Logger) {
	logger.Infof("  Job log configuration:")
	logger.Infof("    storage = %s", c.StorageType)
	logger.Infof("    size = %s", c.Size_)
	if c.StorageType == "disk" {
		logger.Infof("    path = %s", c.Path)
	}
}
