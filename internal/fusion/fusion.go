// Package fusion implements C4: merging face-analyzer and object-detector
// outputs plus environment signals into a bounded, graded alert stream
// with per-kind cooldowns. The cooldown table is an LRU-with-TTL cache
// shaped exactly like the teacher's nvr.EventDedup, generalized from one
// global TTL to one cooldown per alert kind.
package fusion

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/proctorkernel/internal/model"
)

// Cooldowns maps an alert kind to its minimum re-fire interval. Defaults
// per spec §4.4.
func DefaultCooldowns() map[model.AlertKind]time.Duration {
	return map[model.AlertKind]time.Duration{
		model.AlertPhoneDetected:      8 * time.Second,
		model.AlertMaterialDetected:   8 * time.Second,
		model.AlertHeadphonesDetected: 8 * time.Second,
		model.AlertMultiPerson:        10 * time.Second,
		model.AlertSpeaking:           10 * time.Second,
		model.AlertLookingAway:        8 * time.Second,
		model.AlertNoFace:             5 * time.Second,
	}
}

// Alert is the ⟨kind, severity, details⟩ tuple fusion hands to the
// Evidence Capturer and the Ledger.
type Alert struct {
	Kind     model.AlertKind
	Severity model.Severity
	Details  map[string]any
	Source   model.EventSource
	At       time.Time
}

type cooldownEntry struct {
	lastFired time.Time
}

// Fuser owns the per-session cooldown state. One Fuser per session,
// matching the Supervisor's fusion step being the only rendezvous point
// between C2 and C3 outputs (spec §9).
type Fuser struct {
	cooldowns map[model.AlertKind]time.Duration
	cache     *lru.Cache[model.AlertKind, cooldownEntry]

	repeatCounts map[model.AlertKind]int

	lookingAwayStreak int
	noFaceStreak      int
	noFaceConsecutive int

	active bool
}

// NewFuser builds a Fuser with the given per-kind cooldowns (usually
// DefaultCooldowns(), overridden per SessionConfig).
func NewFuser(cooldowns map[model.AlertKind]time.Duration) *Fuser {
	cache, _ := lru.New[model.AlertKind, cooldownEntry](len(model.AlertKind("")) + 32)
	return &Fuser{
		cooldowns:    cooldowns,
		cache:        cache,
		repeatCounts: map[model.AlertKind]int{},
		active:       true,
	}
}

// SetActive toggles whether new alerts are accepted. Per spec §4.4, once
// a session leaves `active` the fusion stage drains in-flight work but
// discards any new alerts.
func (f *Fuser) SetActive(active bool) { f.active = active }

// FaceInput carries one frame's worth of face-analyzer output.
type FaceInput struct {
	Signal model.FaceSignal
	At     time.Time
}

// DetectionInput carries one frame's worth of object-detector output.
type DetectionInput struct {
	Detections []model.Detection
	At         time.Time
}

// EnvironmentInput carries one browser-environment signal.
type EnvironmentInput struct {
	Kind model.AlertKind
	At   time.Time
}

// FuseFace converts a FaceSignal into zero or more alerts.
func (f *Fuser) FuseFace(in FaceInput) []Alert {
	if !f.active {
		return nil
	}
	var out []Alert

	if in.Signal.FaceCount == 0 {
		f.noFaceConsecutive++
		if f.noFaceConsecutive == 3 {
			if a, ok := f.tryFire(model.AlertNoFace, model.SeverityWarning, nil, model.SourceFaceAnalyzer, in.At); ok {
				out = append(out, a)
			}
		}
	} else {
		f.noFaceConsecutive = 0
	}

	for _, face := range in.Signal.Faces {
		if face.LookingAway {
			details := map[string]any{"yaw": face.Yaw, "pitch": face.Pitch, "severe": face.SevereTurn}
			if a, ok := f.tryFire(model.AlertLookingAway, model.SeverityWarning, details, model.SourceFaceAnalyzer, in.At); ok {
				out = append(out, a)
			}
		}
		if face.Speaking {
			if a, ok := f.tryFire(model.AlertSpeaking, model.SeverityWarning, map[string]any{"lip_variance": face.LipOpeningVar}, model.SourceFaceAnalyzer, in.At); ok {
				out = append(out, a)
			}
		}
	}
	return out
}

// FuseDetections converts per-frame Detections into zero or more alerts,
// including the MultiPerson cross-class rule and the cross-source
// NoFace/zero-person suppression in spec §4.4.
func (f *Fuser) FuseDetections(in DetectionInput, alertClasses map[string]bool) []Alert {
	if !f.active {
		return nil
	}
	var out []Alert

	personCount := 0
	for _, d := range in.Detections {
		if d.Label == "person" && d.Confidence >= 0.5 {
			personCount++
		}
	}

	if personCount == 0 && len(in.Detections) == 0 {
		// Cross-source rule: NoFace (C2) and person-count=0 (C3) share
		// the AlertNoFace cooldown bucket, so whichever source fires
		// first within the 5s window wins and the later one is
		// suppressed by tryFire's own cooldown check below. Only a frame
		// with no detections at all counts as person-count=0 here; a
		// frame carrying other objects but no person fires no NoFace.
		if a, ok := f.tryFire(model.AlertNoFace, model.SeverityWarning, nil, model.SourceObjectDetector, in.At); ok {
			out = append(out, a)
		}
	}

	if personCount > 1 {
		if a, ok := f.tryFire(model.AlertMultiPerson, model.SeverityCritical, map[string]any{"count": personCount}, model.SourceObjectDetector, in.At); ok {
			out = append(out, a)
		}
	}

	for _, d := range in.Detections {
		if d.Label == "person" {
			continue
		}
		if alertClasses != nil && !alertClasses[d.Label] {
			continue
		}
		kind := classToAlertKind(d.Label)
		if kind == "" {
			continue
		}
		f.repeatCounts[kind]++
		severity := model.SeverityWarning
		if (kind == model.AlertPhoneDetected || kind == model.AlertMaterialDetected) && f.repeatCounts[kind] > 3 {
			severity = model.SeverityCritical
		}
		details := map[string]any{"label": d.Label, "confidence": d.Confidence, "box": d.Box}
		if a, ok := f.tryFire(kind, severity, details, model.SourceObjectDetector, in.At); ok {
			out = append(out, a)
		}
	}
	return out
}

// FuseEnvironment converts a browser-environment signal into zero or one
// alert, applying the same per-kind cooldown.
func (f *Fuser) FuseEnvironment(in EnvironmentInput) (Alert, bool) {
	if !f.active {
		return Alert{}, false
	}
	severity := model.SeverityWarning
	switch in.Kind {
	case model.AlertMultiScreen, model.AlertRemoteDesktop:
		severity = model.SeverityCritical
	case model.AlertRightClick:
		severity = model.SeverityInfo
	}
	return f.tryFire(in.Kind, severity, nil, model.SourceEnvironment, in.At)
}

// IdentityInput carries the outcome of one scheduled re-verification
// attempt (§4.7). Transient carries a run that could not produce a
// match/no-match decision at all (no usable frame, extraction failure) —
// distinct from Match=false, which is an actual identity mismatch.
type IdentityInput struct {
	Match     bool
	Transient bool
	At        time.Time
}

// FuseIdentity converts a verification outcome into an alert, subject to
// the same per-kind cooldown as every other alert kind. A confirmed
// mismatch is critical; a transient failure to even attempt the check
// (bad lighting, dropped frame) is downgraded to a warning rather than
// penalizing the candidate for it. A clean match produces no alert.
func (f *Fuser) FuseIdentity(in IdentityInput) (Alert, bool) {
	if !f.active || (in.Match && !in.Transient) {
		return Alert{}, false
	}
	severity := model.SeverityCritical
	if in.Transient {
		severity = model.SeverityWarning
	}
	return f.tryFire(model.AlertFaceVerificationFailed, severity, nil, model.SourceVerifier, in.At)
}

func (f *Fuser) tryFire(kind model.AlertKind, severity model.Severity, details map[string]any, source model.EventSource, at time.Time) (Alert, bool) {
	cooldown := f.cooldowns[kind]
	if entry, ok := f.cache.Get(kind); ok {
		if at.Sub(entry.lastFired) < cooldown {
			return Alert{}, false
		}
	}
	f.cache.Add(kind, cooldownEntry{lastFired: at})
	return Alert{Kind: kind, Severity: severity, Details: details, Source: source, At: at}, true
}

func classToAlertKind(label string) model.AlertKind {
	switch label {
	case "phone":
		return model.AlertPhoneDetected
	case "material":
		return model.AlertMaterialDetected
	case "headphones":
		return model.AlertHeadphonesDetected
	default:
		return ""
	}
}
