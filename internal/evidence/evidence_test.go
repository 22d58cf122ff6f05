package evidence

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	failTimes int
	calls     int
	lastKey   string
}

func (f *fakeStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.calls++
	f.lastKey = key
	if f.calls <= f.failTimes {
		return errors.New("boom")
	}
	return nil
}

func testFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return img
}

func TestCapture_SuccessFirstTry(t *testing.T) {
	store := &fakeStore{}
	c := New(store, 0.85)

	res := c.Capture(context.Background(), "sess-1", 5, testFrame())
	require.NotNil(t, res.Handle)
	require.False(t, res.Failed)
	require.Equal(t, "sess-1/5.jpg", res.Handle.Key)
	require.Equal(t, 1, store.calls)
}

func TestCapture_RetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{failTimes: 2}
	c := New(store, 0.85)

	res := c.Capture(context.Background(), "sess-1", 1, testFrame())
	require.NotNil(t, res.Handle)
	require.Equal(t, 3, store.calls)
}

func TestCapture_NoFrameStillPersists(t *testing.T) {
	store := &fakeStore{}
	c := New(store, 0.85)

	res := c.Capture(context.Background(), "sess-1", 1, nil)
	require.Nil(t, res.Handle)
	require.False(t, res.Failed)
	require.Equal(t, 0, store.calls)
}

func TestCapture_ExhaustsRetriesMarksFailed(t *testing.T) {
	store := &fakeStore{failTimes: 99}
	c := New(store, 0.85)

	res := c.Capture(context.Background(), "sess-1", 1, testFrame())
	require.Nil(t, res.Handle)
	require.True(t, res.Failed)
}
