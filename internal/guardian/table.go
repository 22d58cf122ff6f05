package guardian

import "github.com/technosupport/proctorkernel/internal/model"

type tableKey struct {
	kind  model.AlertKind
	level int
}

// precomputed covers all alert kinds for levels 1, 2, and 3 so tier 1
// never misses and the external model is never called for a kind/level
// combination that appears here.
var precomputed = map[tableKey]string{
	{model.AlertNoFace, 1}:                 "We lost sight of your face. Please stay in frame.",
	{model.AlertNoFace, 2}:                 "Your face is still not visible. Please reposition your camera.",
	{model.AlertNoFace, 3}:                 "Repeated loss of face detection. Please ensure you remain visible at all times.",
	{model.AlertLookingAway, 1}:            "Please keep your eyes on the screen.",
	{model.AlertLookingAway, 2}:            "You have looked away from the screen multiple times.",
	{model.AlertLookingAway, 3}:            "Repeated instances of looking away have been recorded.",
	{model.AlertSpeaking, 1}:               "Please avoid speaking during the exam unless permitted.",
	{model.AlertSpeaking, 2}:               "Speaking has been detected again. This is being recorded.",
	{model.AlertSpeaking, 3}:               "Repeated speaking has been recorded and flagged.",
	{model.AlertMultiPerson, 1}:            "Only the candidate may be present in frame.",
	{model.AlertMultiPerson, 2}:            "Another person has been detected again in the camera frame.",
	{model.AlertMultiPerson, 3}:            "Repeated detection of additional people has been flagged as critical.",
	{model.AlertPhoneDetected, 1}:          "A phone was detected in your camera view. Please remove it.",
	{model.AlertPhoneDetected, 2}:          "A phone was detected again. This is being recorded.",
	{model.AlertPhoneDetected, 3}:          "Repeated phone detections have been flagged as critical.",
	{model.AlertMaterialDetected, 1}:       "Unauthorized material was detected. Please remove it from view.",
	{model.AlertMaterialDetected, 2}:       "Unauthorized material detected again.",
	{model.AlertMaterialDetected, 3}:       "Repeated unauthorized material detections have been flagged as critical.",
	{model.AlertHeadphonesDetected, 1}:     "Headphones were detected. Please remove them unless permitted.",
	{model.AlertHeadphonesDetected, 2}:     "Headphones detected again.",
	{model.AlertHeadphonesDetected, 3}:     "Repeated headphone detections have been recorded.",
	{model.AlertTabSwitch, 1}:              "Please stay on the exam tab.",
	{model.AlertTabSwitch, 2}:              "Switching tabs again has been recorded.",
	{model.AlertTabSwitch, 3}:              "Repeated tab switching has been flagged.",
	{model.AlertFullscreenExit, 1}:         "Please remain in fullscreen mode for the duration of the exam.",
	{model.AlertFullscreenExit, 2}:         "Exiting fullscreen again has been recorded.",
	{model.AlertFullscreenExit, 3}:         "Repeated fullscreen exits have been flagged.",
	{model.AlertMultiScreen, 1}:            "An additional display was detected. This is not permitted.",
	{model.AlertMultiScreen, 2}:            "An additional display was detected again.",
	{model.AlertMultiScreen, 3}:            "Repeated additional-display detections have been flagged as critical.",
	{model.AlertCopyPasteAttempt, 1}:       "Copy/paste actions are recorded during this exam.",
	{model.AlertCopyPasteAttempt, 2}:       "Another copy/paste action has been recorded.",
	{model.AlertCopyPasteAttempt, 3}:       "Repeated copy/paste attempts have been recorded.",
	{model.AlertRightClick, 1}:             "Right-click actions are recorded during this exam.",
	{model.AlertRightClick, 2}:             "Another right-click has been recorded.",
	{model.AlertRightClick, 3}:             "Repeated right-clicks have been recorded.",
	{model.AlertKeyboardShortcut, 1}:       "A blocked keyboard shortcut was used.",
	{model.AlertKeyboardShortcut, 2}:       "A blocked keyboard shortcut was used again.",
	{model.AlertKeyboardShortcut, 3}:       "Repeated blocked shortcut use has been flagged.",
	{model.AlertRemoteDesktop, 1}:          "Remote-desktop software was detected. This is not permitted.",
	{model.AlertRemoteDesktop, 2}:          "Remote-desktop software detected again.",
	{model.AlertRemoteDesktop, 3}:          "Repeated remote-desktop detections have been flagged as critical.",
	{model.AlertFaceVerificationFailed, 1}: "We could not verify your identity against your enrollment.",
	{model.AlertFaceVerificationFailed, 2}: "Identity verification failed again.",
	{model.AlertFaceVerificationFailed, 3}: "Repeated identity verification failures have been flagged as critical.",
	{model.AlertManualFlag, 1}:             "This session has been flagged by an operator for review.",
	{model.AlertManualFlag, 2}:             "This session has been flagged again by an operator.",
	{model.AlertManualFlag, 3}:             "This session has multiple operator flags on record.",
}

func defaultMessage(kind model.AlertKind, warningCount int) string {
	if msg, ok := precomputed[tableKey{kind, 1}]; ok {
		return msg
	}
	return "An event was detected and recorded for this session."
}
