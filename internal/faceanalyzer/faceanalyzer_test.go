package faceanalyzer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/config"
)

// makeLandmarks returns a points slice wide enough to hold every index
// this package reads, with both eyes open (EAR ~0.5) and both irises
// centered, then lets the caller poke individual indices.
func makeLandmarks() []Landmark {
	pts := make([]Landmark, 474)
	// Open-eye rectangle for the left eye: corners far apart horizontally,
	// lids far apart vertically relative to the horizontal distance.
	pts[idxLeftEyeP6] = Landmark{X: 0, Y: 0}  // lower lid, outer end
	pts[idxLeftEyeP4] = Landmark{X: 10, Y: 0} // inner corner
	pts[idxLeftEyeP1] = Landmark{X: 0, Y: -3}
	pts[idxLeftEyeP2] = Landmark{X: 3, Y: -3}
	pts[idxLeftEyeP3] = Landmark{X: 7, Y: -3}
	pts[idxLeftEyeP5] = Landmark{X: 7, Y: 3}

	// Mirror for the right eye, offset along X so it doesn't overlap.
	pts[idxRightEyeP6] = Landmark{X: 100, Y: 0}
	pts[idxRightEyeP4] = Landmark{X: 110, Y: 0}
	pts[idxRightEyeP1] = Landmark{X: 100, Y: -3}
	pts[idxRightEyeP2] = Landmark{X: 103, Y: -3}
	pts[idxRightEyeP3] = Landmark{X: 107, Y: -3}
	pts[idxRightEyeP5] = Landmark{X: 107, Y: 3}

	pts[idxLeftEyeOuter] = Landmark{X: 0, Y: 0}
	pts[idxRightEyeOuter] = Landmark{X: 100, Y: 0}
	pts[idxLeftIris] = Landmark{X: 50, Y: 0}
	pts[idxRightIris] = Landmark{X: 50, Y: 0}

	return pts
}

func TestEyeAspectRatioAveragesBothEyes(t *testing.T) {
	pts := makeLandmarks()

	closeRightEye := func(p []Landmark) []Landmark {
		out := append([]Landmark(nil), p...)
		out[idxRightEyeP2] = Landmark{X: 103, Y: 0}
		out[idxRightEyeP3] = Landmark{X: 107, Y: 0}
		out[idxRightEyeP1] = Landmark{X: 100, Y: 0}
		out[idxRightEyeP5] = Landmark{X: 107, Y: 0}
		return out
	}

	bothOpen := eyeAspectRatio(LandmarkSet{Points: pts})
	rightClosed := eyeAspectRatio(LandmarkSet{Points: closeRightEye(pts)})

	require.Less(t, rightClosed, bothOpen, "closing only the right eye must lower the averaged EAR")
}

func TestEyeAspectRatioFallsBackToSingleEyeWhenOtherMissing(t *testing.T) {
	pts := makeLandmarks()[:263] // truncate before the right eye's landmarks

	ear := eyeAspectRatio(LandmarkSet{Points: pts})
	require.Greater(t, ear, 0.0)
	require.NotEqual(t, 1.0, ear, "should use the left eye's real EAR, not the no-landmarks default")
}

func TestGazeAveragesBothIrises(t *testing.T) {
	pts := makeLandmarks()
	pts[idxRightIris] = Landmark{X: 90, Y: 0} // only the right iris moves toward "right"

	offset, direction := gaze(LandmarkSet{Points: pts})
	require.Greater(t, offset, 0.0, "a right-only iris shift must still move the averaged offset")
	require.Equal(t, "right", direction)
}

func TestGazeMissingLandmarksReturnsNeutral(t *testing.T) {
	offset, direction := gaze(LandmarkSet{Points: nil})
	require.Zero(t, offset)
	require.Equal(t, "", direction)
}

func TestAnalyzeZeroFacesResetsStreaks(t *testing.T) {
	a := New(config.FaceConfig{YawThreshold: 0.2, PitchThreshold: 0.2, ConsecutiveFrames: 3})
	sig := a.Analyze(nil, 1)
	require.Equal(t, 0, sig.FaceCount)
	require.Empty(t, sig.Faces)
}
