package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"contentq/internal/config"
	"contentq/internal/models"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
}

func compressConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MediaOutputDir:    t.TempDir(),
		MediaFetchTimeout: 2 * time.Second,
		MediaMaxBytes:     2 * 1024 * 1024,
	}
}

func TestMediaCompressHandlerWritesDerivative(t *testing.T) {
	srv := servePNG(t, 40, 20)
	defer srv.Close()

	cfg := compressConfig(t)
	handler, err := NewMediaCompressHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	job := models.Job{
		ID:   "job-1",
		Type: "media_compress",
		Payload: map[string]any{
			"recording_id": "rec-1",
			"source_url":   srv.URL,
			"output_key":   "derived/rec-1.png",
			"width":        10,
		},
	}
	if err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.MediaOutputDir, "derived", "rec-1.png"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Bounds().Dx() != 10 {
		t.Fatalf("expected width 10, got %d", out.Bounds().Dx())
	}
}

func TestMediaCompressHandlerBadPayloadIsPermanent(t *testing.T) {
	handler, err := NewMediaCompressHandler(context.Background(), compressConfig(t))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	job := models.Job{ID: "job-1", Type: "media_compress", Payload: map[string]any{}}
	err = handler.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected error for missing source_url")
	}
	if !IsPermanent(err) {
		t.Fatalf("payload errors must be permanent, got %v", err)
	}
}

func TestMediaCompressHandlerMissingSourceIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	handler, err := NewMediaCompressHandler(context.Background(), compressConfig(t))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	job := models.Job{
		ID:   "job-1",
		Type: "media_compress",
		Payload: map[string]any{
			"recording_id": "rec-1",
			"source_url":   srv.URL,
		},
	}
	err = handler.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	if !IsPermanent(err) {
		t.Fatalf("404 source must be permanent, got %v", err)
	}
}
