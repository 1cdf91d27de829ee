package service

import "time"

const (
	DefaultCooldownWindow       = 4 * time.Hour
	DefaultSimilarContentWindow = 24 * time.Hour
	DefaultCooldownRatio        = 0.5
	MaxRetryAttempts            = 3
	SendConfirmationTimeout     = 30 * time.Second
	DefaultMonitorInterval      = 10 * time.Second
	DefaultRetentionDays        = 30
	DefaultSimilarityThreshold  = 0.9
)

// SafeguardConfig holds the tunables of the send safeguard. Zero values are
// replaced by defaults in withDefaults.
type SafeguardConfig struct {
	CooldownWindow       time.Duration `yaml:"cooldown_window"`
	SimilarContentWindow time.Duration `yaml:"similar_content_window"`
	// Share of recipients in cooldown above which a send is a duplicate.
	// Nil means DefaultCooldownRatio; 0 trips on any recipient in cooldown.
	CooldownRatio       *float64      `yaml:"cooldown_ratio"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	CleanupSchedule     string        `yaml:"cleanup_schedule"`
	RetentionDays       int           `yaml:"retention_days"`

	// ContentMatcher is "exact" (MD5) or "shingle" (MinHash estimate).
	ContentMatcher      string  `yaml:"content_matcher"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	AutoRetryFailed bool          `yaml:"auto_retry_failed"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`

	SendTimeout    time.Duration `yaml:"send_timeout"`
	SendRatePerSec float64       `yaml:"send_rate_per_sec"`
	SendBurst      int           `yaml:"send_burst"`

	PersistQueueSize int `yaml:"persist_queue_size"`
}

func (cfg SafeguardConfig) withDefaults() SafeguardConfig {
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = DefaultCooldownWindow
	}
	if cfg.SimilarContentWindow <= 0 {
		cfg.SimilarContentWindow = DefaultSimilarContentWindow
	}
	ratio := DefaultCooldownRatio
	if cfg.CooldownRatio != nil && *cfg.CooldownRatio >= 0 && *cfg.CooldownRatio <= 1 {
		ratio = *cfg.CooldownRatio
	}
	cfg.CooldownRatio = &ratio
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = MaxRetryAttempts
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = SendConfirmationTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@daily"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.ContentMatcher == "" {
		cfg.ContentMatcher = MatcherExact
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = 1024
	}
	return cfg
}

// Ratio is a helper for setting CooldownRatio.
func Ratio(v float64) *float64 { return &v }
