// Package framepump implements C1: maintain a camera capture, decode
// frames, and publish each frame once to subscribers. Grounded on
// orbo's pipeline.FrameProvider shape (Subscribe(id, bufSize)/
// Unsubscribe/done-channel fan-out) generalized from a multi-camera NVR
// feed to a single per-session webcam handle, with a latest-wins drop
// policy per spec §4.1 instead of orbo's queued buffering.
package framepump

import (
	"context"
	"sync"
	"time"

	"github.com/technosupport/proctorkernel/internal/model"
)

// Camera is the boundary adapter contract: an opaque handle yielding
// decoded frames, with an idempotent, synchronous-in-bounded-time
// Release (spec §6).
type Camera interface {
	Open(ctx context.Context, handle string) error
	ReadFrame(ctx context.Context) (model.Frame, error)
	Release() error
}

// Pump pulls frames from a Camera at a target rate and fans them out to
// subscribers without per-sink decode; if a subscriber falls behind,
// its oldest buffered frame is dropped to make room for the new one
// rather than blocking the pump (latest-wins, bounding memory per spec
// §4.1).
type Pump struct {
	camera   Camera
	targetFPS int

	mu          sync.Mutex
	subscribers map[int]chan model.Frame
	nextSubID   int
	latest      *model.Frame

	cancel context.CancelFunc
	done   chan struct{}
}

func New(camera Camera, targetFPS int) *Pump {
	if targetFPS <= 0 {
		targetFPS = 5
	}
	return &Pump{
		camera:      camera,
		targetFPS:   targetFPS,
		subscribers: map[int]chan model.Frame{},
	}
}

// Start opens the camera and begins the capture loop. Camera acquisition
// must complete within 10s or the caller should treat this as
// CameraUnavailable (enforced by the ctx deadline passed in).
func (p *Pump) Start(ctx context.Context, cameraHandle string) error {
	if err := p.camera.Open(ctx, cameraHandle); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(runCtx)
	return nil
}

func (p *Pump) loop(ctx context.Context) {
	defer close(p.done)
	interval := time.Second / time.Duration(p.targetFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := p.camera.ReadFrame(ctx)
			if err != nil {
				continue
			}
			p.publish(frame)
		}
	}
}

func (p *Pump) publish(frame model.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := frame
	p.latest = &f

	for _, ch := range p.subscribers {
		select {
		case ch <- frame:
		default:
			// Subscriber behind: drop the oldest buffered frame and
			// retry once, latest-wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// Subscribe registers a sink receiving every published frame (subject to
// the latest-wins drop policy above).
func (p *Pump) Subscribe(bufSize int) (id int, frames <-chan model.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id = p.nextSubID
	p.nextSubID++
	ch := make(chan model.Frame, bufSize)
	p.subscribers[id] = ch
	return id, ch
}

func (p *Pump) Unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

// LatestFrame returns the most recent decoded frame without blocking;
// the second return is false if none has arrived yet.
func (p *Pump) LatestFrame() (model.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return model.Frame{}, false
	}
	return *p.latest, true
}

// Stop releases the camera deterministically. Safe to call more than
// once; every acquired camera is released on every exit path.
func (p *Pump) Stop() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	p.mu.Lock()
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	p.mu.Unlock()

	return p.camera.Release()
}
