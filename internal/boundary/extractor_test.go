package boundary

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/model"
)

func testFrame() *model.Frame {
	w, h := 4, 4
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = 0xFF
	}
	return &model.Frame{SessionID: "s1", Width: w, Height: h, RGBA: pix}
}

func TestDescriptorExtractorPostsMultipartAndDecodesResponse(t *testing.T) {
	var gotPath, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(extractResponse{
			Descriptor: []float32{0.1, 0.2, 0.3},
			FaceCount:  1,
		})
	}))
	defer srv.Close()

	d := NewDescriptorExtractor(srv.URL)
	descriptor, faceCount, err := d.Extract(t.Context(), testFrame())

	require.NoError(t, err)
	require.Equal(t, "/extract", gotPath)
	require.Contains(t, gotContentType, "multipart/form-data")
	require.Equal(t, 1, faceCount)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, descriptor)
}

func TestDescriptorExtractorPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "inference failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDescriptorExtractor(srv.URL)
	_, _, err := d.Extract(t.Context(), testFrame())

	require.Error(t, err)
}

func TestDescriptorExtractorRejectsEmptyFrame(t *testing.T) {
	d := NewDescriptorExtractor("http://unused.invalid")
	_, _, err := d.Extract(t.Context(), &model.Frame{})

	require.Error(t, err)
}
