// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package storagedef provides shared definitions for the array management
// transport and the capacity exporters.
package storagedef

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// MetricType represents the type of an exported capacity metric
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric represents one exported capacity value
type Metric struct {
	Name      string
	Help      string
	Unit      string
	Type      MetricType
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// HealthStatus represents the health of the management endpoint connection
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// CollectorHealth contains health information for the management endpoint
type CollectorHealth struct {
	Status       HealthStatus  `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	LastSuccess  time.Time     `json:"last_success"`
	LastError    string        `json:"last_error,omitempty"`
	ErrorCount   int           `json:"error_count"`
	ResponseTime time.Duration `json:"response_time_ns"`
}

// HealthTracker records request outcomes into a CollectorHealth. Three or
// more consecutive failures mark the endpoint unhealthy.
type HealthTracker struct {
	mu     sync.Mutex
	health CollectorHealth
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{health: CollectorHealth{Status: HealthStatusUnknown}}
}

// Record stores the outcome of one request that took d.
func (h *HealthTracker) Record(err error, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.health.LastCheck = now
	h.health.ResponseTime = d
	if err == nil {
		h.health.Status = HealthStatusHealthy
		h.health.LastSuccess = now
		h.health.LastError = ""
		h.health.ErrorCount = 0
		return
	}
	h.health.ErrorCount++
	h.health.LastError = err.Error()
	if h.health.ErrorCount >= 3 {
		h.health.Status = HealthStatusUnhealthy
	} else {
		h.health.Status = HealthStatusDegraded
	}
}

// Snapshot returns a copy of the current health.
func (h *HealthTracker) Snapshot() CollectorHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// UnisphereConfig holds the connection settings for a Unisphere for
// PowerMax management endpoint
type UnisphereConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	ArrayID    string        `yaml:"array_id"`
	VerifySSL  bool          `yaml:"verify_ssl"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
	TLS        TLSConfig     `yaml:"tls"`

	// Retries is how many times a request that failed in transport or with
	// 502, 503 or 504 is repeated. Zero disables retries.
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRequestsPerSecond throttles calls to the management endpoint.
	// Zero leaves requests unthrottled.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	RequestBurst         int     `yaml:"request_burst"`
}

// BaseURL returns the https root of the management endpoint.
func (c UnisphereConfig) BaseURL() string {
	return "https://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSConfig contains TLS configuration for outbound connections
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`
	Headers     map[string]string `yaml:"headers"`
	Compression string            `yaml:"compression"`
	TLS         TLSConfig         `yaml:"tls"`
}

// MetricExporter is the interface for capacity metric exporters
type MetricExporter interface {
	// Start starts the exporter
	Start(ctx context.Context) error

	// Stop stops the exporter
	Stop(ctx context.Context) error

	// Export replaces the previously exported set with metrics. Series
	// missing from metrics are no longer reported.
	Export(ctx context.Context, metrics []Metric) error
}
