// Package model holds the data types shared across the proctoring kernel:
// sessions, ledger events, evidence handles, biometric templates, and the
// per-frame signals produced by the face analyzer and object detector.
package model

import (
	"encoding/json"
	"image"
	"time"
)

// SessionState is the session lifecycle state. Transitions are one-way:
// pending -> active -> submitted | auto_submitted.
type SessionState string

const (
	SessionPending       SessionState = "pending"
	SessionActive        SessionState = "active"
	SessionSubmitted     SessionState = "submitted"
	SessionAutoSubmitted SessionState = "auto_submitted"
)

// Terminal reports whether no further state transitions are permitted.
func (s SessionState) Terminal() bool {
	return s == SessionSubmitted || s == SessionAutoSubmitted
}

// DegradationLevel is the ML-signal capability the session is currently
// running with, reported to the embedding UI on start and after every
// lifecycle transition.
type DegradationLevel string

const (
	DegradationFull     DegradationLevel = "full"
	DegradationFaceOnly DegradationLevel = "face-only"
	DegradationBasic    DegradationLevel = "basic"
)

// AlertKind is the closed set of alert kinds fusion may emit.
type AlertKind string

const (
	AlertNoFace                 AlertKind = "NoFace"
	AlertLookingAway            AlertKind = "LookingAway"
	AlertSpeaking                AlertKind = "Speaking"
	AlertMultiPerson            AlertKind = "MultiPerson"
	AlertPhoneDetected          AlertKind = "PhoneDetected"
	AlertMaterialDetected       AlertKind = "MaterialDetected"
	AlertHeadphonesDetected     AlertKind = "HeadphonesDetected"
	AlertTabSwitch              AlertKind = "TabSwitch"
	AlertFullscreenExit         AlertKind = "FullscreenExit"
	AlertMultiScreen            AlertKind = "MultiScreen"
	AlertCopyPasteAttempt       AlertKind = "CopyPasteAttempt"
	AlertRightClick             AlertKind = "RightClick"
	AlertKeyboardShortcut       AlertKind = "KeyboardShortcut"
	AlertRemoteDesktop          AlertKind = "RemoteDesktop"
	AlertFaceVerificationFailed AlertKind = "FaceVerificationFailed"
	AlertManualFlag             AlertKind = "ManualFlag"
	AlertLedgerOverflow         AlertKind = "LedgerOverflow"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EventSource names the component that originated an event.
type EventSource string

const (
	SourceFaceAnalyzer  EventSource = "face-analyzer"
	SourceObjectDetector EventSource = "object-detector"
	SourceEnvironment   EventSource = "environment"
	SourceVerifier      EventSource = "verifier"
	SourceOperator      EventSource = "operator"
)

// Session represents one candidate's single exam attempt.
type Session struct {
	ID               string
	ExamID           string
	CandidateID      string
	State            SessionState
	StartedAt        time.Time
	DurationBudget   time.Duration
	Degradation      DegradationLevel
	Flagged          bool
	MultiScreenSeen  bool
	Counters         Counters
	nextSeq          uint64
}

// NextSequence returns the next monotonically increasing per-session
// sequence number. The Supervisor is the sole caller: it owns in-memory
// session state and assigns sequence numbers before any event is
// persisted or evidenced.
func (s *Session) NextSequence() uint64 {
	s.nextSeq++
	return s.nextSeq
}

// Counters are the monotone per-session violation counters exposed on
// submit.
type Counters struct {
	CheatCount                int
	TabViolations             int
	FullscreenViolations      int
	GazeAwayCount             int
	FaceVerificationFailures  int
	MultiScreenDetected       bool
	CriticalCount             int
}

// Event is an atomic, append-only entry in a session's ledger.
type Event struct {
	SessionID      string
	Sequence       uint64
	Kind           AlertKind
	Severity       Severity
	Details        json.RawMessage
	EvidenceHandle *EvidenceHandle
	Timestamp      time.Time
	Source         EventSource
	IdempotencyKey string
}

// EvidenceHandle is an opaque reference to a JPEG snapshot in the private
// object store. Referenced by at most one event; never rewritten.
type EvidenceHandle struct {
	Bucket string
	Key    string
}

// ObjectKey returns the canonical `{session_id}/{event_sequence}.jpg` key.
func ObjectKey(sessionID string, sequence uint64) string {
	return sessionID + "/" + itoa(sequence) + ".jpg"
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// BiometricTemplate is a 128-dimensional descriptor bound to a candidate.
// Sensitive: never logged in plaintext, never returned across an
// external boundary. At rest it is stored as AES-256-GCM ciphertext; the
// Vector field only ever holds plaintext while loaded in memory for the
// duration of a verification.
type BiometricTemplate struct {
	CandidateID string
	Vector      []float32
	EnrolledAt  time.Time
}

const TemplateDimensions = 128

// Detection is a single per-frame bounding-box output of the object
// detector.
type Detection struct {
	Label      string
	Confidence float64
	Box        BoundingBox
}

// BoundingBox is an axis-aligned box in original-image coordinates.
type BoundingBox struct {
	X1, Y1, X2, Y2 float64
}

// FaceSignal is the per-frame output of the face analyzer.
type FaceSignal struct {
	FaceCount int
	Faces     []Face
}

// Face carries the derived geometry and flags for a single detected face.
type Face struct {
	Yaw, Pitch, Roll float64
	GazeOffsetX      float64
	LipOpeningVar    float64
	EAR              float64
	LookingAway      bool
	SevereTurn       bool
	GazeAway         bool
	GazeDirection    string
	Speaking         bool
	Blinking         bool
}

// RiskTier buckets the integrity score for instructor triage.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// IntegrityReport is produced once at session close.
type IntegrityReport struct {
	SessionID     string
	Score         int
	Tier          RiskTier
	PerKindCounts map[AlertKind]int
	Explanation   string
	ComputedAt    time.Time
}

// Frame is a single decoded camera frame shared (not copied) across all
// subscribers of the frame pump.
type Frame struct {
	SessionID string
	Width     int
	Height    int
	CapturedAt time.Time
	RGBA      []byte
}

// ToImage views the frame's packed pixels as an *image.RGBA without
// copying, for handoff to the detector/analyzer/evidence pipeline.
func (f Frame) ToImage() *image.RGBA {
	if f.Width <= 0 || f.Height <= 0 || len(f.RGBA) == 0 {
		return nil
	}
	return &image.RGBA{
		Pix:    f.RGBA,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}
