package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/evidence"
	"github.com/technosupport/proctorkernel/internal/faceanalyzer"
	"github.com/technosupport/proctorkernel/internal/framepump"
	"github.com/technosupport/proctorkernel/internal/fusion"
	"github.com/technosupport/proctorkernel/internal/guardian"
	"github.com/technosupport/proctorkernel/internal/ledger"
	"github.com/technosupport/proctorkernel/internal/metrics"
	"github.com/technosupport/proctorkernel/internal/model"
	"github.com/technosupport/proctorkernel/internal/objectdetector"
	"github.com/technosupport/proctorkernel/internal/tokens"
	"github.com/technosupport/proctorkernel/internal/transport"
	"github.com/technosupport/proctorkernel/internal/verifier"
)

// Enrollment is consulted on start() to enforce spec §4 preconditions:
// the candidate must be enrolled and must not have exceeded the exam's
// retry budget.
type Enrollment interface {
	CheckEligible(ctx context.Context, examID, candidateID string) error
}

// runtimeSession holds the live, in-memory-only state for one active
// session. Everything here is rebuilt from scratch on start(); nothing
// survives a proctorsvc restart except what StateStore and the Ledger
// have already persisted.
type runtimeSession struct {
	session  *model.Session
	cfg      config.SessionConfig
	fuser    *fusion.Fuser
	analyzer *faceanalyzer.Analyzer
	guardian *guardian.Guardian
	pump     *framepump.Pump
	lastFrame *image.RGBA
	mu       sync.Mutex
	done     chan struct{}
}

// Supervisor is C9: the single rendezvous point between the per-session
// component instances and the session lifecycle HTTP interface (§6).
// Grounded on the teacher's internal/nvr.NVRMonitor scheduler/worker
// shape (bounded queues, periodic sweeps, per-entity status cache)
// generalized from fleet-wide NVR health polling to one session's
// pipeline, and on internal/session.Manager for the Redis-mirrored
// lifecycle state.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*runtimeSession

	states    *StateStore
	ledger    *ledger.Service
	evidence  *evidence.Capturer
	detector  *objectdetector.Detector
	publisher *transport.EventPublisher
	tokenMgr  *tokens.Manager
	enroll    Enrollment
	cfgLoader *config.Loader
	generator guardian.Generator
	verifier  *verifier.Verifier
	templates verifier.TemplateStore

	sessionTTL time.Duration
}

func New(
	states *StateStore,
	led *ledger.Service,
	cap *evidence.Capturer,
	detector *objectdetector.Detector,
	publisher *transport.EventPublisher,
	tokenMgr *tokens.Manager,
	enroll Enrollment,
	cfgLoader *config.Loader,
	generator guardian.Generator,
	verifierSvc *verifier.Verifier,
	templates verifier.TemplateStore,
	sessionTTL time.Duration,
) *Supervisor {
	return &Supervisor{
		sessions:   map[string]*runtimeSession{},
		states:     states,
		ledger:     led,
		evidence:   cap,
		detector:   detector,
		publisher:  publisher,
		tokenMgr:   tokenMgr,
		enroll:     enroll,
		cfgLoader:  cfgLoader,
		generator:  generator,
		verifier:   verifierSvc,
		templates:  templates,
		sessionTTL: sessionTTL,
	}
}

// IsActive satisfies ledger.SessionStateChecker from the Supervisor's
// own in-memory view, consulted first before falling back to the
// cross-process StateStore.
func (s *Supervisor) IsActive(sessionID string) bool {
	s.mu.RLock()
	rs, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return rs.session.State == model.SessionActive
	}
	if s.states != nil {
		return s.states.IsActive(sessionID)
	}
	return false
}

// Start implements start(): validates eligibility, opens the camera via
// the Frame Pump, and brings up a fresh per-session component set. The
// returned bearer token is handed to the embedding exam UI.
func (s *Supervisor) Start(ctx context.Context, examID, candidateID, cameraHandle string, camera framepump.Camera) (*model.Session, string, error) {
	if s.enroll != nil {
		if err := s.enroll.CheckEligible(ctx, examID, candidateID); err != nil {
			return nil, "", err
		}
	}

	cfg := s.cfgLoader.Current()
	sess := &model.Session{
		ID:             uuid.New().String(),
		ExamID:         examID,
		CandidateID:    candidateID,
		State:          model.SessionPending,
		StartedAt:      time.Now(),
		DurationBudget: s.sessionTTL,
		Degradation:    model.DegradationFull,
	}

	pump := framepump.New(camera, 5)
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pump.Start(startCtx, cameraHandle); err != nil {
		sess.Degradation = model.DegradationBasic
		return nil, "", fmt.Errorf("%w: %v", model.ErrCameraUnavailable, err)
	}

	rs := &runtimeSession{
		session:  sess,
		cfg:      cfg,
		fuser:    fusion.NewFuser(fusion.DefaultCooldowns()),
		analyzer: faceanalyzer.New(cfg.Face),
		guardian: guardian.New(s.generator, cfg.Guardian),
		pump:     pump,
		done:     make(chan struct{}),
	}

	if s.verifier != nil && s.templates != nil {
		if err := s.gateOnVerification(ctx, rs); err != nil {
			pump.Stop()
			return nil, "", err
		}
	}

	sess.State = model.SessionActive

	s.mu.Lock()
	s.sessions[sess.ID] = rs
	s.mu.Unlock()

	go s.detectionLoop(rs)
	go s.verifyLoop(rs)
	metrics.SessionsActive.Inc()

	if s.states != nil {
		if err := s.states.Put(ctx, sess); err != nil {
			log.Printf("[Supervisor] state mirror failed for session %s: %v", sess.ID, err)
		}
	}

	token, err := s.tokenMgr.GenerateSessionToken(sess.ID, candidateID, examID, s.sessionTTL)
	if err != nil {
		return nil, "", fmt.Errorf("issue session token: %w", err)
	}

	return sess, token, nil
}

// gateOnVerification implements start()'s "initial face verification"
// precondition (spec §4.7, §5): the candidate's enrolled template must
// match the live camera feed before the session is allowed to become
// active. A missing template or a verification model outage aborts
// start, distinct from the exam-attempt checks in Enrollment.
func (s *Supervisor) gateOnVerification(ctx context.Context, rs *runtimeSession) error {
	tmpl, err := s.templates.Load(ctx, rs.session.CandidateID)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrFaceVerificationFailed, err)
	}

	frames, err := captureFrameBurst(rs.pump, rs.cfg.Verifier.FrameCount)
	if err != nil || len(frames) == 0 {
		return fmt.Errorf("%w: no usable frame for verification", model.ErrVerifierUnavailable)
	}

	decision, err := s.verifier.Verify(ctx, *tmpl, frames)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrVerifierUnavailable, err)
	}
	if !decision.Match {
		return model.ErrFaceVerificationFailed
	}
	return nil
}

// verifyLoop schedules 2-3 re-verification runs uniformly across the
// middle 80% of the session's duration budget (spec §4.7), stopping
// early if the session closes first.
func (s *Supervisor) verifyLoop(rs *runtimeSession) {
	if s.verifier == nil || s.templates == nil {
		return
	}
	duration := rs.session.DurationBudget
	if duration <= 0 {
		return
	}
	count := 2 + rand.Intn(2)
	windowStart := time.Duration(float64(duration) * 0.1)
	windowSpan := time.Duration(float64(duration) * 0.8)

	offsets := make([]time.Duration, count)
	for i := range offsets {
		offsets[i] = windowStart + time.Duration(rand.Int63n(int64(windowSpan)+1))
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	elapsed := time.Duration(0)
	for _, at := range offsets {
		wait := at - elapsed
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			elapsed = at
			s.runVerification(rs)
		case <-rs.done:
			return
		}
	}
}

// runVerification performs one scheduled re-verification pass and
// fuses the result into an alert. A transient extraction failure (no
// usable frame, model unavailable) still fuses, but as a warning rather
// than a confirmed mismatch, so a lighting change or a dropped frame
// does not carry the same weight as an actual identity failure.
func (s *Supervisor) runVerification(rs *runtimeSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tmpl, err := s.templates.Load(ctx, rs.session.CandidateID)
	if err != nil {
		log.Printf("[Supervisor] verification template load failed for session %s: %v", rs.session.ID, err)
		s.fuseTransient(ctx, rs)
		return
	}

	frames, err := captureFrameBurst(rs.pump, rs.cfg.Verifier.FrameCount)
	if err != nil || len(frames) == 0 {
		log.Printf("[Supervisor] verification skipped for session %s: no usable frame", rs.session.ID)
		s.fuseTransient(ctx, rs)
		return
	}

	decision, err := s.verifier.Verify(ctx, *tmpl, frames)
	if err != nil {
		log.Printf("[Supervisor] verification run failed for session %s: %v", rs.session.ID, err)
		s.fuseTransient(ctx, rs)
		return
	}

	rs.session.Counters.FaceVerificationFailures += boolToInt(!decision.Match)
	if a, fired := rs.fuser.FuseIdentity(fusion.IdentityInput{Match: decision.Match, At: time.Now()}); fired {
		s.handleAlert(ctx, rs, a, nil)
	}
}

func (s *Supervisor) fuseTransient(ctx context.Context, rs *runtimeSession) {
	if a, fired := rs.fuser.FuseIdentity(fusion.IdentityInput{Transient: true, At: time.Now()}); fired {
		s.handleAlert(ctx, rs, a, nil)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// captureFrameBurst pulls frameCount frames off the pump's fan-out,
// spaced at least 200ms apart so consecutive captures are not the same
// camera frame, for the Verifier's multi-frame vote.
func captureFrameBurst(pump *framepump.Pump, frameCount int) ([]*model.Frame, error) {
	if frameCount <= 0 {
		frameCount = 3
	}
	subID, frames := pump.Subscribe(1)
	defer pump.Unsubscribe(subID)

	captured := make([]*model.Frame, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		select {
		case f, ok := <-frames:
			if !ok {
				return captured, nil
			}
			ff := f
			captured = append(captured, &ff)
		case <-time.After(2 * time.Second):
			return captured, nil
		}
		if i < frameCount-1 {
			time.Sleep(200 * time.Millisecond)
		}
	}
	return captured, nil
}

// detectionLoop drives C3 off the Frame Pump's fan-out: the object
// detector is bounded to at most one run every 500ms per spec §4.3/§5,
// far coarser than the pump's capture rate, so this subscribes and
// holds onto the latest published frame between ticks rather than
// running detection on every frame the pump publishes.
func (s *Supervisor) detectionLoop(rs *runtimeSession) {
	subID, frames := rs.pump.Subscribe(1)
	defer rs.pump.Unsubscribe(subID)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var latest *model.Frame
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			ff := f
			latest = &ff
		case <-ticker.C:
			if latest == nil {
				continue
			}
			img := latest.ToImage()
			if img == nil {
				continue
			}
			s.ObserveFrame(rs.session.ID, img)
			metrics.RecordFrameProcessed("object_detector")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.ProcessDetections(ctx, rs.session.ID, img)
			cancel()
		}
	}
}

func (s *Supervisor) get(sessionID string) (*runtimeSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.sessions[sessionID]
	return rs, ok
}

// ObserveFrame records the most recent decoded frame so a later alert in
// the same tick can be evidenced without a second camera read.
func (s *Supervisor) ObserveFrame(sessionID string, frame *image.RGBA) {
	rs, ok := s.get(sessionID)
	if !ok {
		return
	}
	rs.mu.Lock()
	rs.lastFrame = frame
	rs.mu.Unlock()
}

// ProcessDetections runs C3's output through fusion for one session.
func (s *Supervisor) ProcessDetections(ctx context.Context, sessionID string, frame *image.RGBA) error {
	rs, ok := s.get(sessionID)
	if !ok {
		return model.ErrSessionClosed
	}
	if rs.session.State != model.SessionActive {
		return model.ErrSessionClosed
	}

	if s.detector == nil {
		rs.session.Degradation = model.DegradationFaceOnly
		return nil
	}

	dets, err := s.detector.Detect(frame)
	if err != nil {
		rs.session.Degradation = model.DegradationFaceOnly
		return nil
	}

	alerts := rs.fuser.FuseDetections(fusion.DetectionInput{Detections: dets, At: time.Now()}, alertClassSet(rs.cfg.ObjectDetector.AlertClasses))
	for _, a := range alerts {
		s.handleAlert(ctx, rs, a, frame)
	}
	return nil
}

// ProcessFace runs C2's landmark sets through the analyzer and fusion
// for one session.
func (s *Supervisor) ProcessFace(ctx context.Context, sessionID string, sets []faceanalyzer.LandmarkSet, dtSeconds float64, frame *image.RGBA) error {
	rs, ok := s.get(sessionID)
	if !ok {
		return model.ErrSessionClosed
	}
	if rs.session.State != model.SessionActive {
		return model.ErrSessionClosed
	}

	signal := rs.analyzer.Analyze(sets, dtSeconds)
	alerts := rs.fuser.FuseFace(fusion.FaceInput{Signal: signal, At: time.Now()})
	for _, a := range alerts {
		s.handleAlert(ctx, rs, a, frame)
	}
	return nil
}

// LogEnvironmentEvent implements log_event(): a browser-reported signal
// (tab switch, fullscreen exit, multi-screen, remote-desktop, right
// click) with no frame attached.
func (s *Supervisor) LogEnvironmentEvent(ctx context.Context, sessionID string, kind model.AlertKind) error {
	rs, ok := s.get(sessionID)
	if !ok {
		return model.ErrSessionClosed
	}
	if rs.session.State != model.SessionActive {
		return model.ErrSessionClosed
	}

	a, fired := rs.fuser.FuseEnvironment(fusion.EnvironmentInput{Kind: kind, At: time.Now()})
	if !fired {
		return nil
	}
	s.handleAlert(ctx, rs, a, nil)
	return nil
}

func (s *Supervisor) handleAlert(ctx context.Context, rs *runtimeSession, a fusion.Alert, frame *image.RGBA) {
	seq := rs.session.NextSequence()
	bumpCounters(&rs.session.Counters, a)
	metrics.RecordAlert(string(a.Kind), string(a.Severity))

	if a.Kind == model.AlertMultiScreen {
		rs.session.MultiScreenSeen = true
	}

	var handle *model.EvidenceHandle
	if evidenceWorthy(rs.cfg.EvidenceKinds, a.Kind) {
		f := frame
		if f == nil {
			rs.mu.Lock()
			f = rs.lastFrame
			rs.mu.Unlock()
		}
		result := s.evidence.Capture(ctx, rs.session.ID, seq, f)
		handle = result.Handle
	}

	details, _ := json.Marshal(a.Details)
	evt := model.Event{
		SessionID:      rs.session.ID,
		Sequence:       seq,
		Kind:           a.Kind,
		Severity:       a.Severity,
		Details:        details,
		EvidenceHandle: handle,
		Timestamp:      a.At,
		Source:         a.Source,
	}

	if _, err := s.ledger.Append(ctx, evt); err != nil {
		log.Printf("[Supervisor] ledger append failed for session %s seq %d: %v", rs.session.ID, seq, err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(evt); err != nil {
			log.Printf("[Supervisor] publish failed for session %s seq %d: %v", rs.session.ID, seq, err)
		}
	}

	warningCount := rs.session.Counters.CheatCount + rs.session.Counters.TabViolations + rs.session.Counters.FullscreenViolations
	_ = rs.guardian.Warn(ctx, a.Kind, warningCount, 0)
}

func bumpCounters(c *model.Counters, a fusion.Alert) {
	if a.Severity == model.SeverityCritical {
		c.CriticalCount++
	}
	switch a.Kind {
	case model.AlertTabSwitch:
		c.TabViolations++
	case model.AlertFullscreenExit:
		c.FullscreenViolations++
	case model.AlertLookingAway:
		c.GazeAwayCount++
	case model.AlertPhoneDetected, model.AlertMaterialDetected, model.AlertHeadphonesDetected:
		c.CheatCount++
	}
}

func evidenceWorthy(kinds []string, kind model.AlertKind) bool {
	if len(kinds) == 0 {
		return false
	}
	for _, k := range kinds {
		if model.AlertKind(k) == kind {
			return true
		}
	}
	return false
}

func alertClassSet(classes []string) map[string]bool {
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		set[c] = true
	}
	return set
}

// Submit implements submit(): closes the session to new alerts, flushes
// any buffered ledger events, and returns the final session state. The
// caller (internal/httpapi) asks the Guardian for the integrity report
// separately, since that call may itself invoke the generative service.
//
// A second submit() for the same session (spec §8: repeated submit
// yields the same cached IntegrityReport rather than re-running the
// generative call) must still find the session and its Guardian, so the
// runtimeSession stays in s.sessions after submission instead of being
// deleted; only the one-time teardown (pump stop, ledger flush, state
// mirror removal) is skipped on the replay.
func (s *Supervisor) Submit(ctx context.Context, sessionID string, auto bool) (*model.Session, error) {
	rs, ok := s.get(sessionID)
	if !ok {
		return nil, model.ErrSessionClosed
	}

	if rs.session.State == model.SessionSubmitted || rs.session.State == model.SessionAutoSubmitted {
		return rs.session, nil
	}

	rs.fuser.SetActive(false)
	if auto {
		rs.session.State = model.SessionAutoSubmitted
	} else {
		rs.session.State = model.SessionSubmitted
	}

	flushed, remaining := s.ledger.Flush(ctx)
	if remaining > 0 {
		log.Printf("[Supervisor] session %s submit with %d events still buffered after flushing %d", sessionID, remaining, flushed)
	}

	close(rs.done)
	if rs.pump != nil {
		rs.pump.Stop()
	}
	if s.states != nil {
		_ = s.states.Remove(ctx, sessionID)
	}

	metrics.SessionsActive.Dec()

	if remaining > 0 {
		return rs.session, model.ErrSubmitIncomplete
	}
	return rs.session, nil
}

// Guardian returns the per-session Guardian instance so the HTTP layer
// can request the final integrity report without the Supervisor needing
// to know about report formatting.
func (s *Supervisor) Guardian(sessionID string) (*guardian.Guardian, bool) {
	rs, ok := s.get(sessionID)
	if !ok {
		return nil, false
	}
	return rs.guardian, true
}

// Session returns a snapshot of the session's current state.
func (s *Supervisor) Session(sessionID string) (model.Session, bool) {
	rs, ok := s.get(sessionID)
	if !ok {
		return model.Session{}, false
	}
	return *rs.session, true
}
