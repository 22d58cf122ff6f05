package boundary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/technosupport/proctorkernel/internal/model"
)

// DescriptorExtractor satisfies verifier.Extractor by delegating
// face-descriptor extraction to an external model-serving endpoint over
// HTTP multipart upload, grounded on the pack's FaceRecognizer
// convention (multipart POST, JSON response). Unlike that service, the
// response here carries a raw embedding rather than an identity, since
// the distance/voting decision is made locally in internal/verifier.
type DescriptorExtractor struct {
	endpoint string
	client   *http.Client
}

func NewDescriptorExtractor(endpoint string) *DescriptorExtractor {
	return &DescriptorExtractor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type extractResponse struct {
	Descriptor []float32 `json:"descriptor"`
	FaceCount  int       `json:"face_count"`
}

// Extract JPEG-encodes frame and posts it to "<endpoint>/extract",
// returning the descriptor vector and detected face count the serving
// model reports. A faceCount other than 1 means the caller should not
// trust the descriptor (verifier.Verifier treats 0 as "no face" and
// >1 as a multi-person error).
func (d *DescriptorExtractor) Extract(ctx context.Context, frame *model.Frame) ([]float32, int, error) {
	img := frame.ToImage()
	if img == nil {
		return nil, 0, fmt.Errorf("extract: empty frame")
	}

	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, 0, fmt.Errorf("encode frame: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, 0, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jpegBuf.Bytes()); err != nil {
		return nil, 0, fmt.Errorf("write frame: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/extract", &body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("extract request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read extract response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("extract request failed with status %d: %s", resp.StatusCode, string(payload))
	}

	var out extractResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, 0, fmt.Errorf("decode extract response: %w", err)
	}
	return out.Descriptor, out.FaceCount, nil
}
