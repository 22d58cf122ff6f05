// Package faceanalyzer derives FaceSignal from per-frame facial
// landmarks (C2). This subsystem has no direct library analog anywhere
// in the retrieved pack: it is plain geometry over a landmark slice, so
// it is implemented on stdlib math alone (see DESIGN.md).
package faceanalyzer

import (
	"errors"
	"math"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/model"
)

var ErrModelLoadFailed = errors.New("face landmark model load failed")

// Landmark is a single 2D (or 3D, z ignored) point in frame pixel space.
type Landmark struct {
	X, Y, Z float64
}

// LandmarkSet is the raw output of the upstream landmark model for one
// detected face: indices follow the 468/478-point MediaPipe-style
// topology named in spec §4.2.
type LandmarkSet struct {
	Points []Landmark
	// TransformMatrix, when non-nil, is a facial transformation matrix
	// supplied directly by the model; when present yaw/pitch/roll are
	// derived from it instead of the geometric fallback.
	TransformMatrix *[16]float64
}

const (
	idxNoseTip       = 1
	idxLeftEyeOuter  = 33
	idxRightEyeOuter = 263
	idxForeheadTop   = 10
	idxChinBottom    = 152
	idxLeftIris      = 468
	idxRightIris     = 473
	idxUpperLip      = 13
	idxLowerLip      = 14
	idxLeftEyeP1     = 33
	idxLeftEyeP2     = 160
	idxLeftEyeP3     = 158
	idxLeftEyeP4     = 133
	idxLeftEyeP5     = 153
	idxLeftEyeP6     = 144
	idxRightEyeP1    = 263
	idxRightEyeP2    = 387
	idxRightEyeP3    = 385
	idxRightEyeP4    = 362
	idxRightEyeP5    = 380
	idxRightEyeP6    = 373
)

// Analyzer tracks the sliding-window state fusion needs (consecutive
// frame counters, lip-opening variance, blink rate) across calls; one
// Analyzer is owned per session, matching the Supervisor's one-actor-
// per-session model.
type Analyzer struct {
	cfg config.FaceConfig

	consecutiveLookingAway int
	consecutiveGazeAway    int

	lipWindow      []float64
	speakingCount  int

	earWasOpen bool
	blinkTimes []float64 // seconds since analyzer start, for a 30s rate window
	clock      float64
}

func New(cfg config.FaceConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze produces a FaceSignal for a single frame's detected faces. It
// never returns an error for "nothing detected"; per spec §4.2 the
// analyzer fails silently per-frame and the caller treats a zero-face
// FaceSignal as "no face evidence this frame", not an error.
func (a *Analyzer) Analyze(sets []LandmarkSet, dtSeconds float64) model.FaceSignal {
	a.clock += dtSeconds
	sig := model.FaceSignal{FaceCount: len(sets)}
	if len(sets) == 0 {
		a.consecutiveLookingAway = 0
		a.consecutiveGazeAway = 0
		return sig
	}

	for _, ls := range sets {
		f := a.analyzeOne(ls)
		sig.Faces = append(sig.Faces, f)
	}
	return sig
}

func (a *Analyzer) analyzeOne(ls LandmarkSet) model.Face {
	var f model.Face

	yaw, pitch, roll := headPose(ls)
	f.Yaw, f.Pitch, f.Roll = yaw, pitch, roll

	lookingAway := math.Abs(yaw) > a.cfg.YawThreshold || math.Abs(pitch) > a.cfg.PitchThreshold
	f.SevereTurn = math.Abs(yaw) > 0.40

	if lookingAway {
		a.consecutiveLookingAway++
	} else {
		a.consecutiveLookingAway = 0
	}
	threshold := a.cfg.ConsecutiveFrames
	if threshold <= 0 {
		threshold = 3
	}
	f.LookingAway = a.consecutiveLookingAway >= threshold

	gazeOffset, gazeDir := gaze(ls)
	f.GazeOffsetX = gazeOffset
	if math.Abs(gazeOffset) > 0.15 {
		a.consecutiveGazeAway++
	} else {
		a.consecutiveGazeAway = 0
	}
	f.GazeAway = a.consecutiveGazeAway > 0
	f.GazeDirection = gazeDir

	lipVar := a.trackLip(ls)
	f.LipOpeningVar = lipVar
	if lipVar > 0.02 {
		a.speakingCount++
	} else if a.speakingCount > 0 {
		a.speakingCount--
	}
	f.Speaking = a.speakingCount >= 5

	ear := eyeAspectRatio(ls)
	f.EAR = ear
	f.Blinking = a.trackBlink(ear)

	return f
}

func headPose(ls LandmarkSet) (yaw, pitch, roll float64) {
	if ls.TransformMatrix != nil {
		m := ls.TransformMatrix
		yaw = math.Atan2(-m[2], m[10])
		pitch = math.Atan2(m[6], m[10])
		roll = math.Atan2(m[1], m[0])
		return
	}

	pts := ls.Points
	if !hasIndices(pts, idxNoseTip, idxLeftEyeOuter, idxRightEyeOuter, idxForeheadTop, idxChinBottom) {
		return 0, 0, 0
	}

	nose := pts[idxNoseTip]
	leftEye := pts[idxLeftEyeOuter]
	rightEye := pts[idxRightEyeOuter]
	forehead := pts[idxForeheadTop]
	chin := pts[idxChinBottom]

	eyeMidX := (leftEye.X + rightEye.X) / 2
	interEyeDist := math.Hypot(rightEye.X-leftEye.X, rightEye.Y-leftEye.Y)
	if interEyeDist == 0 {
		return 0, 0, 0
	}
	yaw = (nose.X - eyeMidX) / interEyeDist

	faceHeight := math.Hypot(chin.X-forehead.X, chin.Y-forehead.Y)
	if faceHeight == 0 {
		return yaw, 0, 0
	}
	midY := (forehead.Y + chin.Y) / 2
	pitch = (nose.Y - midY) / faceHeight

	return yaw, pitch, 0
}

// gaze derives a signed horizontal offset from the irises, normalized by
// inter-eye width: per spec §4.2 this is computed per eye and averaged,
// so a glance that only moves one iris (a wink, an asymmetric squint)
// still shows up instead of being masked by the other, stationary eye.
func gaze(ls LandmarkSet) (offset float64, direction string) {
	pts := ls.Points
	if !hasIndices(pts, idxLeftIris, idxRightIris, idxLeftEyeOuter, idxRightEyeOuter) {
		return 0, ""
	}
	leftEye := pts[idxLeftEyeOuter]
	rightEye := pts[idxRightEyeOuter]

	eyeWidth := math.Hypot(rightEye.X-leftEye.X, rightEye.Y-leftEye.Y)
	if eyeWidth == 0 {
		return 0, ""
	}
	mid := (leftEye.X + rightEye.X) / 2
	leftOffset := (pts[idxLeftIris].X - mid) / eyeWidth
	rightOffset := (pts[idxRightIris].X - mid) / eyeWidth
	offset = (leftOffset + rightOffset) / 2

	if offset > 0 {
		direction = "right"
	} else if offset < 0 {
		direction = "left"
	}
	return offset, direction
}

func (a *Analyzer) trackLip(ls LandmarkSet) float64 {
	pts := ls.Points
	if !hasIndices(pts, idxUpperLip, idxLowerLip) {
		return 0
	}
	opening := math.Abs(pts[idxLowerLip].Y - pts[idxUpperLip].Y)

	a.lipWindow = append(a.lipWindow, opening)
	if len(a.lipWindow) > 10 {
		a.lipWindow = a.lipWindow[len(a.lipWindow)-10:]
	}
	if len(a.lipWindow) < 2 {
		return 0
	}
	return variance(a.lipWindow)
}

// eyeAspectRatio computes EAR per eye and returns the average of the two,
// per spec §4.2 ("blink is judged on the average [EAR] of both eyes").
// If only one eye's landmarks are present that eye's EAR stands alone
// rather than dragging the signal toward the "open" default.
func eyeAspectRatio(ls LandmarkSet) float64 {
	pts := ls.Points
	left, leftOK := singleEyeAspectRatio(pts, idxLeftEyeP1, idxLeftEyeP2, idxLeftEyeP3, idxLeftEyeP4, idxLeftEyeP5, idxLeftEyeP6)
	right, rightOK := singleEyeAspectRatio(pts, idxRightEyeP1, idxRightEyeP2, idxRightEyeP3, idxRightEyeP4, idxRightEyeP5, idxRightEyeP6)

	switch {
	case leftOK && rightOK:
		return (left + right) / 2
	case leftOK:
		return left
	case rightOK:
		return right
	default:
		return 1
	}
}

func singleEyeAspectRatio(pts []Landmark, i1, i2, i3, i4, i5, i6 int) (float64, bool) {
	if !hasIndices(pts, i1, i2, i3, i4, i5, i6) {
		return 0, false
	}
	p1, p2, p3, p4, p5, p6 := pts[i1], pts[i2], pts[i3], pts[i4], pts[i5], pts[i6]

	vert1 := math.Hypot(p2.X-p6.X, p2.Y-p6.Y)
	vert2 := math.Hypot(p3.X-p5.X, p3.Y-p5.Y)
	horiz := math.Hypot(p1.X-p4.X, p1.Y-p4.Y)
	if horiz == 0 {
		return 1, true
	}
	return (vert1 + vert2) / (2 * horiz), true
}

func (a *Analyzer) trackBlink(ear float64) bool {
	blinked := false
	if ear < 0.20 && a.earWasOpen {
		blinked = true
		a.blinkTimes = append(a.blinkTimes, a.clock)
	}
	a.earWasOpen = ear >= 0.20

	cutoff := a.clock - 30
	i := 0
	for i < len(a.blinkTimes) && a.blinkTimes[i] < cutoff {
		i++
	}
	a.blinkTimes = a.blinkTimes[i:]

	return blinked
}

// BlinkRatePerMinute returns the blink rate over the trailing 30s window.
// Rates below 5 bpm or above 40 bpm are logged by the caller, not alerted.
func (a *Analyzer) BlinkRatePerMinute() float64 {
	window := math.Min(a.clock, 30)
	if window <= 0 {
		return 0
	}
	return float64(len(a.blinkTimes)) / window * 60
}

func hasIndices(pts []Landmark, idxs ...int) bool {
	for _, i := range idxs {
		if i >= len(pts) {
			return false
		}
	}
	return true
}

func variance(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
