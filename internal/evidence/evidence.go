// Package evidence implements C5: on qualifying alerts, snapshot the
// current frame, JPEG-encode it, and upload it to the private object
// store. The retry-then-degrade shape is grounded on
// internal/audit/failover.go's WriteEvent/SpoolEvent pattern, adapted
// per SPEC_FULL: evidence is not on the ledger's critical path (spec
// §4.5), so an upload that still fails after the bounded retries is
// reported as Failed and the event is persisted without a handle rather
// than blocking. Failed uploads are not spooled or retried later.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"log"
	"time"

	"github.com/technosupport/proctorkernel/internal/model"
)

// Store uploads an encoded JPEG to the private object store. Boundary
// adapter; a real implementation wraps minio-go's PutObject.
type Store interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

const (
	maxAttempts   = 3
	totalBudget   = 3 * time.Second
	targetMaxSize = 100 * 1024
	hardMaxSize   = 5 * 1024 * 1024
	bucketName    = "proctoring-evidence"
)

var ErrUploadFailed = errors.New("evidence upload failed after retries")

// Capturer owns the lifecycle of in-flight uploads for one session; the
// Supervisor may have multiple uploads in flight at once, each keyed by
// a distinct sequence number (spec §4.9).
type Capturer struct {
	store   Store
	quality float64
}

func New(store Store, jpegQuality float64) *Capturer {
	if jpegQuality <= 0 || jpegQuality > 1 {
		jpegQuality = 0.85
	}
	return &Capturer{store: store, quality: jpegQuality}
}

// Result is returned to the caller (the Supervisor) so it can attach (or
// omit) an evidence handle on the ledger event.
type Result struct {
	Handle *model.EvidenceHandle
	Failed bool
}

// Capture encodes and uploads frame as evidence for sequence in
// sessionID. frame may be nil when C1 has no frame buffered yet; per
// spec §4.5 the event is still persisted without a handle in that case.
func (c *Capturer) Capture(ctx context.Context, sessionID string, sequence uint64, frame *image.RGBA) Result {
	if frame == nil {
		return Result{}
	}

	data, err := encode(frame, c.quality)
	if err != nil {
		log.Printf("[Evidence] jpeg encode failed for session %s seq %d: %v", sessionID, sequence, err)
		return Result{Failed: true}
	}

	key := model.ObjectKey(sessionID, sequence)

	deadline := time.Now().Add(totalBudget)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			if time.Now().Add(backoff).After(deadline) {
				break
			}
			time.Sleep(backoff)
		}
		if err := c.store.Upload(ctx, bucketName, key, data, "image/jpeg"); err != nil {
			lastErr = err
			continue
		}
		return Result{Handle: &model.EvidenceHandle{Bucket: bucketName, Key: key}}
	}

	log.Printf("[Evidence] upload failed for session %s seq %d after retries: %v", sessionID, sequence, lastErr)
	return Result{Failed: true}
}

func encode(frame *image.RGBA, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	q := int(quality * 100)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	if buf.Len() > hardMaxSize {
		return nil, errors.New("encoded evidence exceeds 5MB hard limit")
	}
	return buf.Bytes(), nil
}
