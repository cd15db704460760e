// Package startup runs preflight diagnostics before the agent starts its
// control loop.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"payops-agent/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs preflight checks against a loaded config.
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger

	configPath  string
	dialTimeout time.Duration
	// dial is replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	path := os.Getenv("PAYOPS_CONFIG_PATH")
	if path == "" {
		path = config.DefaultPath
	}
	d := &Diagnostics{
		cfg:         cfg,
		logger:      logger,
		configPath:  path,
		dialTimeout: 2 * time.Second,
	}
	d.dial = (&net.Dialer{}).DialContext
	return d
}

// RunAll runs every check and logs a summary.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkPorts()
	d.checkSecurityConfiguration()
	d.checkLoop()
	d.checkSinks(ctx)

	d.printSummary()
	return d.results
}

// Results returns the results collected so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "system",
		Status:  StatusOK,
		Message: "Runtime information",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if _, err := os.Stat(d.configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkPorts() {
	port := d.cfg.Server.HTTPPort
	details := map[string]string{"port": strconv.Itoa(port)}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: details,
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: details,
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	if !d.cfg.Auth.Enabled {
		status := StatusWarning
		if d.cfg.Server.Production {
			status = StatusError
		}
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  status,
			Message: "API key authentication is disabled; anyone can inject transactions or toggle the agent",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusOK,
			Message: "API key authentication enabled",
			Details: map[string]string{"keys": strconv.Itoa(len(d.cfg.Auth.APIKeys))},
		})
	}

	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limit",
			Status:  StatusWarning,
			Message: "HTTP rate limiting is disabled",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limit",
			Status:  StatusOK,
			Message: "HTTP rate limiting enabled",
			Details: map[string]string{
				"rps":   strconv.FormatFloat(d.cfg.RateLimit.RequestsPerSecond, 'f', -1, 64),
				"burst": strconv.Itoa(d.cfg.RateLimit.BurstSize),
			},
		})
	}

	if d.cfg.Kafka.Enabled && d.cfg.Kafka.TLSSkipVerify {
		d.addResult(DiagnosticResult{
			Name:    "kafka_tls",
			Status:  StatusWarning,
			Message: "Kafka TLS certificate verification is disabled",
		})
	}
	if d.cfg.Redis.Enabled && !d.cfg.Redis.TLSEnabled && d.cfg.Server.Production {
		d.addResult(DiagnosticResult{
			Name:    "redis_tls",
			Status:  StatusWarning,
			Message: "Redis connection is not encrypted",
		})
	}
}

// checkLoop flags settings that make the agent unable to act.
func (d *Diagnostics) checkLoop() {
	g := d.cfg.Guardrails
	switch {
	case g.MaxActionsPerInterval == 0:
		d.addResult(DiagnosticResult{
			Name:    "guardrails",
			Status:  StatusWarning,
			Message: "Rate limit allows zero actions; every proposal will be blocked",
		})
	case g.MaxBlastRadiusFraction == 0:
		d.addResult(DiagnosticResult{
			Name:    "guardrails",
			Status:  StatusWarning,
			Message: "Blast radius limit is zero; every proposal will be blocked",
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "guardrails",
			Status:  StatusOK,
			Message: "Guardrails configured",
			Details: map[string]string{
				"max_actions":       strconv.Itoa(g.MaxActionsPerInterval),
				"interval_ticks":    strconv.Itoa(g.IntervalTicks),
				"cooldown_ticks":    strconv.Itoa(g.CooldownTicks),
				"approval_required": strconv.Itoa(len(g.ApprovalRequired)),
			},
		})
	}

	if g.MaxMagnitude > g.MaxBlastRadiusFraction {
		d.addResult(DiagnosticResult{
			Name:    "guardrail_magnitude",
			Status:  StatusWarning,
			Message: "max_magnitude exceeds max_blast_radius_fraction; the most severe signals will be blocked",
			Details: map[string]string{
				"max_magnitude":             strconv.FormatFloat(g.MaxMagnitude, 'f', -1, 64),
				"max_blast_radius_fraction": strconv.FormatFloat(g.MaxBlastRadiusFraction, 'f', -1, 64),
			},
		})
	}

	if !d.cfg.Loop.StartEnabled {
		d.addResult(DiagnosticResult{
			Name:    "agent_enabled",
			Status:  StatusWarning,
			Message: "Agent starts disabled; enable it through /v1/agent",
		})
	}
}

func (d *Diagnostics) checkSinks(ctx context.Context) {
	if d.cfg.Kafka.Enabled && len(d.cfg.Kafka.Brokers) > 0 {
		d.checkReachable(ctx, "kafka", d.cfg.Kafka.Brokers[0])
	} else {
		d.addResult(DiagnosticResult{Name: "kafka", Status: StatusSkipped, Message: "Kafka disabled"})
	}

	if d.cfg.Redis.Enabled {
		d.checkReachable(ctx, "redis", d.cfg.Redis.Addr)
	} else {
		d.addResult(DiagnosticResult{Name: "redis", Status: StatusSkipped, Message: "Redis disabled"})
	}
}

// checkReachable only opens a TCP connection; the clients do their own
// handshake and retry later.
func (d *Diagnostics) checkReachable(ctx context.Context, name, addr string) {
	checkCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, err := d.dial(checkCtx, "tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusWarning,
			Message: fmt.Sprintf("Cannot reach %s: %s", addr, err),
			Details: map[string]string{"addr": addr},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: "Reachable",
		Details: map[string]string{"addr": addr},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
