package boundary

import (
	"context"
	"sync"
	"time"

	"github.com/technosupport/proctorkernel/internal/framepump"
	"github.com/technosupport/proctorkernel/internal/model"
)

// CameraRegistry hands out one BrowserCamera per session and keeps it
// reachable by session ID so the websocket boundary can push pixels
// into the same instance the Supervisor reads frames from.
type CameraRegistry struct {
	mu      sync.Mutex
	byToken map[string]*BrowserCamera
}

func NewCameraRegistry() *CameraRegistry {
	return &CameraRegistry{byToken: map[string]*BrowserCamera{}}
}

// Open satisfies httpapi.CameraOpener: it hands start() a fresh,
// unregistered BrowserCamera. The caller registers it under the
// Supervisor-assigned session ID once Start returns, so the websocket
// boundary's later Lookup finds the same instance the Supervisor reads
// frames from.
func (r *CameraRegistry) Open(ctx context.Context) framepump.Camera {
	return NewBrowserCamera()
}

func (r *CameraRegistry) Register(sessionID string, cam framepump.Camera) {
	bc, ok := cam.(*BrowserCamera)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken[sessionID] = bc
}

// Lookup returns the concrete *BrowserCamera for a session, for the
// websocket boundary to call Push directly.
func (r *CameraRegistry) Lookup(sessionID string) (*BrowserCamera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.byToken[sessionID]
	return cam, ok
}

func (r *CameraRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byToken, sessionID)
}

// BrowserCamera satisfies framepump.Camera for the embedding exam UI's
// WebRTC/MediaStream webcam feed: frames arrive pushed from the
// websocket boundary (decoded client-side or by a media gateway) rather
// than pulled by this process, so ReadFrame blocks on the latest pushed
// frame instead of issuing a device I/O call.
type BrowserCamera struct {
	mu      sync.Mutex
	latest  *model.Frame
	updated chan struct{}
	opened  bool
}

func NewBrowserCamera() *BrowserCamera {
	return &BrowserCamera{updated: make(chan struct{}, 1)}
}

func (c *BrowserCamera) Open(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	return nil
}

// Push delivers one frame pushed by the client, called from the
// websocket handler's read loop.
func (c *BrowserCamera) Push(frame model.Frame) {
	c.mu.Lock()
	c.latest = &frame
	c.mu.Unlock()
	select {
	case c.updated <- struct{}{}:
	default:
	}
}

func (c *BrowserCamera) ReadFrame(ctx context.Context) (model.Frame, error) {
	c.mu.Lock()
	opened := c.opened
	latest := c.latest
	c.mu.Unlock()
	if !opened {
		return model.Frame{}, model.ErrCameraUnavailable
	}
	if latest != nil {
		return *latest, nil
	}

	select {
	case <-c.updated:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.latest == nil {
			return model.Frame{}, model.ErrCameraUnavailable
		}
		return *c.latest, nil
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	case <-time.After(2 * time.Second):
		return model.Frame{}, model.ErrCameraUnavailable
	}
}

func (c *BrowserCamera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = false
	return nil
}
