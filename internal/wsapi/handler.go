// Package wsapi is the live-session boundary: the embedding exam UI
// pushes webcam frames and client-derived face landmarks over one
// websocket connection per session, and receives fused alerts back on
// the same connection. Grounded on orbo's internal/ws (upgrader config,
// registration, ping/pong keepalive, unexpected-close handling)
// generalized from a multi-client detection broadcast hub to a single
// authenticated connection per session.
package wsapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/technosupport/proctorkernel/internal/boundary"
	"github.com/technosupport/proctorkernel/internal/faceanalyzer"
	"github.com/technosupport/proctorkernel/internal/middleware"
	"github.com/technosupport/proctorkernel/internal/model"
	"github.com/technosupport/proctorkernel/internal/supervisor"
	"github.com/technosupport/proctorkernel/internal/transport"
)

var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades one connection per active session: frames and
// landmark sets flow in, alerts flow out.
type Handler struct {
	sup        *supervisor.Supervisor
	cameras    *boundary.CameraRegistry
	subscriber *transport.EventSubscriber
	tokens     middleware.TokenValidator
}

func NewHandler(sup *supervisor.Supervisor, cameras *boundary.CameraRegistry, subscriber *transport.EventSubscriber, tokens middleware.TokenValidator) *Handler {
	return &Handler{sup: sup, cameras: cameras, subscriber: subscriber, tokens: tokens}
}

// Mount registers the live-session stream route onto a shared router;
// see httpapi.Handler.Mount for why these two packages share one.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/v1/sessions/{session_id}/stream", h.Stream)
}

// Stream authenticates the connection (bearer token carried as a query
// parameter, since the browser WebSocket API cannot set an
// Authorization header on the handshake), wires the session's camera
// and alert feed, and blocks until a read fails (the client disconnects
// or no message or pong arrives for 60s); submit does not end it.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !sessionIDRegex.MatchString(sessionID) {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	claims, err := h.tokens.ValidateToken(r.URL.Query().Get("token"))
	if err != nil || claims.SessionID != sessionID {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cam, ok := h.cameras.Lookup(sessionID)
	if !ok {
		http.Error(w, "session has no open camera", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[wsapi] upgrade failed for session %s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	sub, err := h.subscriber.SubscribeSession(sessionID, func(evt model.Event) {
		h.writeEvent(conn, evt)
	})
	if err == nil {
		defer sub.Unsubscribe()
	}

	h.readPump(conn, sessionID, cam)
}

func (h *Handler) writeEvent(conn *websocket.Conn, evt model.Event) {
	data, err := json.Marshal(outboundAlert{
		Type:      "alert",
		Kind:      string(evt.Kind),
		Severity:  string(evt.Severity),
		Sequence:  evt.Sequence,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[wsapi] write failed: %v", err)
	}
}

type outboundAlert struct {
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// inboundMessage is either a "frame" push (webcam pixels only, fed to
// the Frame Pump for C3) or a "landmarks" push (a client-computed face
// mesh for one frame, fed directly to ProcessFace for C2 since landmark
// extraction runs in the browser, not on this service).
type inboundMessage struct {
	Type      string         `json:"type"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	RGBA      string         `json:"rgba"`
	DTSeconds float64        `json:"dt_seconds"`
	Landmarks [][]landmarkPt `json:"landmarks"`
}

type landmarkPt struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (h *Handler) readPump(conn *websocket.Conn, sessionID string, cam *boundary.BrowserCamera) {
	conn.SetReadLimit(8 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[wsapi] read error for session %s: %v", sessionID, err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		frame, img, ok := decodeFrame(sessionID, msg)
		if !ok {
			continue
		}

		switch msg.Type {
		case "frame":
			cam.Push(*frame)
		case "landmarks":
			sets := make([]faceanalyzer.LandmarkSet, 0, len(msg.Landmarks))
			for _, pts := range msg.Landmarks {
				ls := faceanalyzer.LandmarkSet{Points: make([]faceanalyzer.Landmark, len(pts))}
				for i, p := range pts {
					ls.Points[i] = faceanalyzer.Landmark{X: p.X, Y: p.Y, Z: p.Z}
				}
				sets = append(sets, ls)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := h.sup.ProcessFace(ctx, sessionID, sets, msg.DTSeconds, img); err != nil {
				log.Printf("[wsapi] process face failed for session %s: %v", sessionID, err)
			}
			cancel()
		}
	}
}

// decodeFrame validates and unpacks a pushed frame's base64 RGBA
// payload, returning both the model.Frame (for the camera feed) and its
// zero-copy *image.RGBA view (for the face pathway, which needs the
// same frame the landmarks were computed from).
func decodeFrame(sessionID string, msg inboundMessage) (*model.Frame, *image.RGBA, bool) {
	if msg.RGBA == "" || msg.Width <= 0 || msg.Height <= 0 {
		return nil, nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(msg.RGBA)
	if err != nil || len(raw) != msg.Width*msg.Height*4 {
		return nil, nil, false
	}
	frame := &model.Frame{
		SessionID:  sessionID,
		Width:      msg.Width,
		Height:     msg.Height,
		CapturedAt: time.Now(),
		RGBA:       raw,
	}
	return frame, frame.ToImage(), true
}
