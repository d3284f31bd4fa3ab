package relay

import "time"

// Config holds the delivery engine settings.
type Config struct {
	// BatchSize is how many rows one worker delivers before exiting.
	BatchSize int `yaml:"batch_size"`
	// MaxWait caps how long an idle loop sleeps without a wake-up.
	MaxWait time.Duration `yaml:"max_wait"`
	// BusyPause is the pause between scans while work is flowing.
	BusyPause time.Duration `yaml:"busy_pause"`
	// ErrorPause is the pause after a failed pending-tenant scan.
	ErrorPause time.Duration `yaml:"error_pause"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:  20,
		MaxWait:    15 * time.Minute,
		BusyPause:  time.Second,
		ErrorPause: 5 * time.Second,
	}
}
