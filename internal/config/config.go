// Package config loads the SessionConfig surface described in spec §6:
// a YAML file overlaid on built-in defaults, reloadable via fsnotify.
// Environment variables are not read by this package.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ObjectDetectorConfig controls C3.
type ObjectDetectorConfig struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	ForceSigmoid        string   `yaml:"force_sigmoid"` // auto | on | off
	AlertClasses        []string `yaml:"alert_classes"`
}

// FaceConfig controls C2 thresholds.
type FaceConfig struct {
	YawThreshold          float64 `yaml:"yaw_threshold"`
	PitchThreshold        float64 `yaml:"pitch_threshold"`
	ConsecutiveFrames     int     `yaml:"consecutive_frames"`
}

// VerifierConfig controls C7.
type VerifierConfig struct {
	Threshold  float64 `yaml:"threshold"`
	FrameCount int     `yaml:"frame_count"`
	MinMatches int     `yaml:"min_matches"`
}

// GuardianConfig controls C8's rate limiter.
type GuardianConfig struct {
	RateLimitCalls  int `yaml:"rate_limit_calls"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
}

// CaptureConfig controls C5.
type CaptureConfig struct {
	JPEGQuality float64 `yaml:"jpeg_quality"`
}

// SessionConfig is the immutable configuration handed down by the
// Supervisor to every component for the lifetime of a session. Nothing
// below the Supervisor reads configuration from globals after start.
type SessionConfig struct {
	ObjectDetector ObjectDetectorConfig `yaml:"object_detector"`
	Face           FaceConfig           `yaml:"face"`
	Verifier       VerifierConfig       `yaml:"verifier"`
	Guardian       GuardianConfig       `yaml:"guardian"`
	Capture        CaptureConfig        `yaml:"capture"`
	EvidenceKinds  []string             `yaml:"evidence_kinds"`
}

func defaults() SessionConfig {
	return SessionConfig{
		ObjectDetector: ObjectDetectorConfig{
			ConfidenceThreshold: 0.60,
			ForceSigmoid:        "auto",
			AlertClasses:        []string{"phone", "material", "headphones"},
		},
		Face: FaceConfig{
			YawThreshold:      0.20,
			PitchThreshold:    0.30,
			ConsecutiveFrames: 3,
		},
		Verifier: VerifierConfig{
			Threshold:  0.55,
			FrameCount: 3,
			MinMatches: 2,
		},
		Guardian: GuardianConfig{
			RateLimitCalls:         10,
			RateLimitWindowSeconds: 60,
		},
		Capture: CaptureConfig{
			JPEGQuality: 0.85,
		},
		EvidenceKinds: []string{
			"PhoneDetected", "MaterialDetected", "HeadphonesDetected",
			"MultiPerson", "FaceVerificationFailed",
		},
	}
}

// Validate rejects configuration known to be diagnostic-only rather than
// production-safe. Open Question 1 in spec §9: the 0.01 threshold seen
// in the source system is diagnostic and must be rejected here.
func (c SessionConfig) Validate() error {
	if c.ObjectDetector.ConfidenceThreshold <= 0.05 {
		return errors.New("object_detector.confidence_threshold too low: looks like a diagnostic value, not production")
	}
	if c.ObjectDetector.ConfidenceThreshold > 1 {
		return errors.New("object_detector.confidence_threshold out of range")
	}
	switch c.ObjectDetector.ForceSigmoid {
	case "", "auto", "on", "off":
	default:
		return fmt.Errorf("object_detector.force_sigmoid: unknown value %q", c.ObjectDetector.ForceSigmoid)
	}
	if c.Verifier.MinMatches > c.Verifier.FrameCount {
		return errors.New("verifier.min_matches cannot exceed verifier.frame_count")
	}
	return nil
}

// Loader reads SessionConfig from a YAML file and watches it for changes
// via fsnotify, following the pattern the teacher's discovery package
// uses for watching filesystem state.
type Loader struct {
	path string
	mu   sync.Mutex
	cur  atomic.Pointer[SessionConfig]
}

func NewLoader(path string) *Loader {
	l := &Loader{path: path}
	cfg := defaults()
	l.cur.Store(&cfg)
	return l
}

// Load reads the file once, overlays it on defaults, and validates it.
func (l *Loader) Load() (SessionConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := defaults()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.cur.Store(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", l.path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", l.path, err)
	}
	l.cur.Store(&cfg)
	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() SessionConfig {
	return *l.cur.Load()
}

// Watch reloads the config whenever the underlying file is written, and
// logs (rather than applies) any reload that fails validation so a bad
// edit never corrupts the config in use by active sessions.
func (l *Loader) Watch(onReload func(SessionConfig)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					log.Printf("[Config] reload rejected, keeping current config: %v", err)
					continue
				}
				if onReload != nil {
					onReload(cfg)
				}
			case <-watcher.Errors:
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return watcher.Close()
	}, nil
}
