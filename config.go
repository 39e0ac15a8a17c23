package kored

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/spf13/viper"
)

// Environment variables the resolver consumes, names follow the deployed
// Kore API convention so the daemon is a drop-in under the same manifests
const (
	EnvWorkers         = "WEB_CONCURRENCY"
	EnvWorkerTimeout   = "GUNICORN_TIMEOUT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvBind            = "GUNICORN_BIND"
	EnvGracefulTimeout = "GUNICORN_GRACEFUL_TIMEOUT"
	EnvTLSKeyFile      = "GUNICORN_KEYFILE"
	EnvTLSCertFile     = "GUNICORN_CERTFILE"
	EnvTLSVersion      = "GUNICORN_SSL_VERSION"
	EnvTLSCertReqs     = "GUNICORN_CERT_REQS"
	EnvTLSCAFile       = "GUNICORN_CA_CERTS"
	EnvTLSCiphers      = "GUNICORN_CIPHERS"
	EnvWorkerCommand   = "WORKER_CMD"
	EnvStartupTimeout  = "WORKER_STARTUP_TIMEOUT"
	EnvRestartLimit    = "WORKER_RESTART_LIMIT"
	EnvRestartWindow   = "WORKER_RESTART_WINDOW"
	EnvHealthPath      = "HEALTHCHECK_PATH"
	EnvHealthInterval  = "HEALTHCHECK_INTERVAL"
	EnvHealthTimeout   = "HEALTHCHECK_TIMEOUT"
	EnvHealthRetries   = "HEALTHCHECK_RETRIES"
	EnvHealthRecovery  = "HEALTHCHECK_RECOVERY"
	EnvGateBind        = "GATE_BIND"
	EnvOpsBind         = "OPS_BIND"
)

var logLevels = []string{"debug", "info", "warning", "error", "critical"}

// ConfigError names the offending variable and the constraint it violated
type ConfigError struct {
	Variable   string
	Constraint string
	Value      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s, got %q", e.Variable, e.Constraint, e.Value)
}

// TLSMaterial is the optional front-end TLS configuration, all paths
type TLSMaterial struct {
	KeyFile  string
	CertFile string
	CAFile   string
	Version  string
	Ciphers  string
	CertReqs int
}

func (t TLSMaterial) Enabled() bool {
	return t.KeyFile != "" && t.CertFile != ""
}

// Config is the immutable snapshot of runtime settings, built once at
// startup and passed to the supervisor and the gate constructors
type Config struct {
	Workers         int
	WorkerTimeout   time.Duration
	LogLevel        string
	Bind            string
	GateBind        string
	OpsBind         string
	WorkerCommand   []string
	StartupTimeout  time.Duration
	RestartLimit    int
	RestartWindow   time.Duration
	GracefulTimeout time.Duration
	HealthPath      string
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	HealthRetries   int
	HealthRecovery  int
	TLS             TLSMaterial
}

// UpstreamAddr is the address the gate dials to reach the worker socket,
// a wildcard bind maps onto loopback
func (c *Config) UpstreamAddr() string {
	host, port, err := net.SplitHostPort(c.Bind)
	if err != nil {
		return c.Bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// HealthURL is the probe target on the worker socket
func (c *Config) HealthURL() string {
	return "http://" + c.UpstreamAddr() + c.HealthPath
}

// ResolveConfig reads the whole environment surface once and validates it
// before anything is spawned. The environment itself is never mutated.
func ResolveConfig() (*Config, error) {
	v := viper.New()
	bindings := map[string]string{
		"workers":          EnvWorkers,
		"worker_timeout":   EnvWorkerTimeout,
		"log_level":        EnvLogLevel,
		"bind":             EnvBind,
		"graceful_timeout": EnvGracefulTimeout,
		"tls_key":          EnvTLSKeyFile,
		"tls_cert":         EnvTLSCertFile,
		"tls_version":      EnvTLSVersion,
		"tls_cert_reqs":    EnvTLSCertReqs,
		"tls_ca":           EnvTLSCAFile,
		"tls_ciphers":      EnvTLSCiphers,
		"worker_cmd":       EnvWorkerCommand,
		"startup_timeout":  EnvStartupTimeout,
		"restart_limit":    EnvRestartLimit,
		"restart_window":   EnvRestartWindow,
		"health_path":      EnvHealthPath,
		"health_interval":  EnvHealthInterval,
		"health_timeout":   EnvHealthTimeout,
		"health_retries":   EnvHealthRetries,
		"health_recovery":  EnvHealthRecovery,
		"gate_bind":        EnvGateBind,
		"ops_bind":         EnvOpsBind,
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("cannot bind %s, error: %w", env, err)
		}
	}
	v.SetDefault("worker_timeout", 60)
	v.SetDefault("log_level", "info")
	v.SetDefault("bind", "0.0.0.0:8000")
	v.SetDefault("graceful_timeout", 30)
	v.SetDefault("tls_version", "TLS")
	v.SetDefault("tls_cert_reqs", 0)
	v.SetDefault("startup_timeout", 30)
	v.SetDefault("restart_limit", 3)
	v.SetDefault("restart_window", 60)
	v.SetDefault("health_path", "/api/v1/health/")
	v.SetDefault("health_interval", 30)
	v.SetDefault("health_timeout", 5)
	v.SetDefault("health_retries", 3)
	v.SetDefault("health_recovery", 1)
	v.SetDefault("gate_bind", "0.0.0.0:8080")
	v.SetDefault("ops_bind", "127.0.0.1:9102")

	cfg := &Config{}

	workers, err := resolveWorkerCount(v.GetString("workers"))
	if err != nil {
		return nil, err
	}
	cfg.Workers = workers

	seconds := map[string]*time.Duration{
		"worker_timeout":   &cfg.WorkerTimeout,
		"graceful_timeout": &cfg.GracefulTimeout,
		"startup_timeout":  &cfg.StartupTimeout,
		"restart_window":   &cfg.RestartWindow,
		"health_interval":  &cfg.HealthInterval,
		"health_timeout":   &cfg.HealthTimeout,
	}
	for key, target := range seconds {
		n, err := positiveInt(bindings[key], v.GetString(key))
		if err != nil {
			return nil, err
		}
		*target = time.Duration(n) * time.Second
	}

	counts := map[string]*int{
		"restart_limit":   &cfg.RestartLimit,
		"health_retries":  &cfg.HealthRetries,
		"health_recovery": &cfg.HealthRecovery,
	}
	for key, target := range counts {
		n, err := positiveInt(bindings[key], v.GetString(key))
		if err != nil {
			return nil, err
		}
		*target = n
	}

	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	if !validLogLevel(cfg.LogLevel) {
		return nil, &ConfigError{EnvLogLevel, "must be one of " + strings.Join(logLevels, "|"), v.GetString("log_level")}
	}

	for _, b := range []struct {
		env    string
		key    string
		target *string
	}{
		{EnvBind, "bind", &cfg.Bind},
		{EnvGateBind, "gate_bind", &cfg.GateBind},
		{EnvOpsBind, "ops_bind", &cfg.OpsBind},
	} {
		addr := v.GetString(b.key)
		if err := validHostPort(addr); err != nil {
			return nil, &ConfigError{b.env, "must be a host:port address", addr}
		}
		*b.target = addr
	}

	cfg.HealthPath = v.GetString("health_path")
	if !strings.HasPrefix(cfg.HealthPath, "/") {
		return nil, &ConfigError{EnvHealthPath, "must be an absolute URL path", cfg.HealthPath}
	}

	cfg.WorkerCommand = strings.Fields(v.GetString("worker_cmd"))

	cfg.TLS = TLSMaterial{
		KeyFile:  v.GetString("tls_key"),
		CertFile: v.GetString("tls_cert"),
		CAFile:   v.GetString("tls_ca"),
		Version:  v.GetString("tls_version"),
		Ciphers:  v.GetString("tls_ciphers"),
	}
	reqs, err := positiveOrZeroInt(EnvTLSCertReqs, v.GetString("tls_cert_reqs"))
	if err != nil {
		return nil, err
	}
	if reqs > 2 {
		return nil, &ConfigError{EnvTLSCertReqs, "must be 0, 1 or 2", v.GetString("tls_cert_reqs")}
	}
	cfg.TLS.CertReqs = reqs
	if cfg.TLS.KeyFile != "" && cfg.TLS.CertFile == "" {
		return nil, &ConfigError{EnvTLSCertFile, "must be set when " + EnvTLSKeyFile + " is set", ""}
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile == "" {
		return nil, &ConfigError{EnvTLSKeyFile, "must be set when " + EnvTLSCertFile + " is set", ""}
	}

	return cfg, nil
}

// resolveWorkerCount applies the explicit override unconditionally when
// present, otherwise derives the pool size from the processor count
func resolveWorkerCount(raw string) (int, error) {
	if raw == "" {
		return defaultWorkerCount(availableCPUs()), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ConfigError{EnvWorkers, "must be a positive integer", raw}
	}
	return n, nil
}

// defaultWorkerCount is the 2×CPU+1 heuristic balancing I/O-wait
// concurrency against context-switch overhead
func defaultWorkerCount(cpus int) int {
	w := 2*cpus + 1
	if w < 1 {
		w = 1
	}
	return w
}

func availableCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func positiveInt(env, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ConfigError{env, "must be a positive integer", raw}
	}
	return n, nil
}

func positiveOrZeroInt(env, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ConfigError{env, "must be a non-negative integer", raw}
	}
	return n, nil
}

func validLogLevel(level string) bool {
	for _, l := range logLevels {
		if level == l {
			return true
		}
	}
	return false
}

func validHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if _, err := strconv.Atoi(port); err != nil {
		return err
	}
	return nil
}
