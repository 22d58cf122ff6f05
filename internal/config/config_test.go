package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, defaults(), cfg)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
object_detector:
  confidence_threshold: 0.7
verifier:
  threshold: 0.4
  frame_count: 5
  min_matches: 3
`), 0644))

	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	require.Equal(t, 0.7, cfg.ObjectDetector.ConfidenceThreshold)
	require.Equal(t, 5, cfg.Verifier.FrameCount)
	require.Equal(t, 3, cfg.Verifier.MinMatches)
	// Fields absent from the overlay keep their defaults.
	require.Equal(t, defaults().Face, cfg.Face)
}

func TestValidateRejectsDiagnosticConfidenceThreshold(t *testing.T) {
	cfg := defaults()
	cfg.ObjectDetector.ConfidenceThreshold = 0.01

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsMinMatchesAboveFrameCount(t *testing.T) {
	cfg := defaults()
	cfg.Verifier.FrameCount = 2
	cfg.Verifier.MinMatches = 3

	err := cfg.Validate()
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`face:
  yaw_threshold: 0.2
`), 0644))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	reloaded := make(chan struct{}, 1)
	stop, err := l.Watch(func(cfg SessionConfig) {
		reloaded <- struct{}{}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte(`face:
  yaw_threshold: 0.5
`), 0644))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload callback after config file write")
	}
	require.Equal(t, 0.5, l.Current().Face.YawThreshold)
}
