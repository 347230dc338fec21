// Package config defines the flat set of recognized gateway options with
// their defaults. Options are consumed at construction time; changing them
// afterwards has no effect on already-built components.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Limits holds every admission-control and resource-management knob.
type Limits struct {
	// Pool manager
	MaxConnectionsPerBackend int           `mapstructure:"max_connections_per_backend"`
	MaxConcurrentPerUser     int           `mapstructure:"max_concurrent_per_user"`
	MaxTotalConnections      int           `mapstructure:"max_total_connections"`
	ConnectionTimeout        time.Duration `mapstructure:"connection_timeout"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout"`
	IdleTimeout              time.Duration `mapstructure:"idle_timeout"`
	QueueMaxSize             int           `mapstructure:"queue_max_size"`
	CleanupInterval          time.Duration `mapstructure:"cleanup_interval"`

	// Circuit breaker
	BreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`

	// Rate limiter
	TokensPerWindow       float64       `mapstructure:"tokens_per_window"`
	WindowSize            time.Duration `mapstructure:"window_size"`
	MaxBurstSize          float64       `mapstructure:"max_burst_size"`
	PerUserLimit          float64       `mapstructure:"per_user_limit"`
	PerUserWindow         time.Duration `mapstructure:"per_user_window"`
	PerBackendLimit       float64       `mapstructure:"per_backend_limit"`
	PerBackendWindow      time.Duration `mapstructure:"per_backend_window"`
	SlidingWindowSegments int           `mapstructure:"sliding_window_segments"`

	// Adaptive throttling
	EnableAdaptive       bool    `mapstructure:"enable_adaptive"`
	AdaptiveThreshold    float64 `mapstructure:"adaptive_threshold"`
	AdaptiveReduction    float64 `mapstructure:"adaptive_reduction"`
	AdaptiveRecoveryRate float64 `mapstructure:"adaptive_recovery_rate"`

	// Session registry
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// DefaultLimits returns Limits with production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerBackend: 10,
		MaxConcurrentPerUser:     5,
		MaxTotalConnections:      100,
		ConnectionTimeout:        10 * time.Second,
		RequestTimeout:           30 * time.Second,
		IdleTimeout:              5 * time.Minute,
		QueueMaxSize:             50,
		CleanupInterval:          time.Minute,

		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,

		TokensPerWindow:       100,
		WindowSize:            time.Minute,
		MaxBurstSize:          120,
		PerUserLimit:          60,
		PerUserWindow:         time.Minute,
		PerBackendLimit:       600,
		PerBackendWindow:      time.Minute,
		SlidingWindowSegments: 6,

		EnableAdaptive:       false,
		AdaptiveThreshold:    0.8,
		AdaptiveReduction:    0.5,
		AdaptiveRecoveryRate: 1.2,

		SessionTimeout: 30 * time.Minute,
	}
}

// RegisterDefaults seeds viper with the default limits under the "limits."
// prefix so env vars and config files can override individual options.
func RegisterDefaults(v *viper.Viper) {
	d := DefaultLimits()
	v.SetDefault("limits.max_connections_per_backend", d.MaxConnectionsPerBackend)
	v.SetDefault("limits.max_concurrent_per_user", d.MaxConcurrentPerUser)
	v.SetDefault("limits.max_total_connections", d.MaxTotalConnections)
	v.SetDefault("limits.connection_timeout", d.ConnectionTimeout)
	v.SetDefault("limits.request_timeout", d.RequestTimeout)
	v.SetDefault("limits.idle_timeout", d.IdleTimeout)
	v.SetDefault("limits.queue_max_size", d.QueueMaxSize)
	v.SetDefault("limits.cleanup_interval", d.CleanupInterval)
	v.SetDefault("limits.circuit_breaker_threshold", d.BreakerThreshold)
	v.SetDefault("limits.circuit_breaker_timeout", d.BreakerTimeout)
	v.SetDefault("limits.tokens_per_window", d.TokensPerWindow)
	v.SetDefault("limits.window_size", d.WindowSize)
	v.SetDefault("limits.max_burst_size", d.MaxBurstSize)
	v.SetDefault("limits.per_user_limit", d.PerUserLimit)
	v.SetDefault("limits.per_user_window", d.PerUserWindow)
	v.SetDefault("limits.per_backend_limit", d.PerBackendLimit)
	v.SetDefault("limits.per_backend_window", d.PerBackendWindow)
	v.SetDefault("limits.sliding_window_segments", d.SlidingWindowSegments)
	v.SetDefault("limits.enable_adaptive", d.EnableAdaptive)
	v.SetDefault("limits.adaptive_threshold", d.AdaptiveThreshold)
	v.SetDefault("limits.adaptive_reduction", d.AdaptiveReduction)
	v.SetDefault("limits.adaptive_recovery_rate", d.AdaptiveRecoveryRate)
	v.SetDefault("limits.session_timeout", d.SessionTimeout)
}

// FromViper reads the limits out of viper. Call RegisterDefaults first so
// unset options fall back to defaults.
func FromViper(v *viper.Viper) Limits {
	return Limits{
		MaxConnectionsPerBackend: v.GetInt("limits.max_connections_per_backend"),
		MaxConcurrentPerUser:     v.GetInt("limits.max_concurrent_per_user"),
		MaxTotalConnections:      v.GetInt("limits.max_total_connections"),
		ConnectionTimeout:        v.GetDuration("limits.connection_timeout"),
		RequestTimeout:           v.GetDuration("limits.request_timeout"),
		IdleTimeout:              v.GetDuration("limits.idle_timeout"),
		QueueMaxSize:             v.GetInt("limits.queue_max_size"),
		CleanupInterval:          v.GetDuration("limits.cleanup_interval"),
		BreakerThreshold:         v.GetInt("limits.circuit_breaker_threshold"),
		BreakerTimeout:           v.GetDuration("limits.circuit_breaker_timeout"),
		TokensPerWindow:          v.GetFloat64("limits.tokens_per_window"),
		WindowSize:               v.GetDuration("limits.window_size"),
		MaxBurstSize:             v.GetFloat64("limits.max_burst_size"),
		PerUserLimit:             v.GetFloat64("limits.per_user_limit"),
		PerUserWindow:            v.GetDuration("limits.per_user_window"),
		PerBackendLimit:          v.GetFloat64("limits.per_backend_limit"),
		PerBackendWindow:         v.GetDuration("limits.per_backend_window"),
		SlidingWindowSegments:    v.GetInt("limits.sliding_window_segments"),
		EnableAdaptive:           v.GetBool("limits.enable_adaptive"),
		AdaptiveThreshold:        v.GetFloat64("limits.adaptive_threshold"),
		AdaptiveReduction:        v.GetFloat64("limits.adaptive_reduction"),
		AdaptiveRecoveryRate:     v.GetFloat64("limits.adaptive_recovery_rate"),
		SessionTimeout:           v.GetDuration("limits.session_timeout"),
	}
}
