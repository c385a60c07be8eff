package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"hivesync-jobs/internal/config"
)

func pngSource(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func previewPayload(t *testing.T, sourceURL string, extra map[string]any) json.RawMessage {
	t.Helper()
	body := map[string]any{
		"preview_id":     "p1",
		"user_id":        "u1",
		"device_id":      "d1",
		"tier_snapshot":  "Free",
		"source_url":     sourceURL,
		"schema_version": 1,
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func localPreviewRunner(t *testing.T) *PreviewRunner {
	t.Helper()
	cfg := config.Config{
		PreviewQueue:     "preview-tasks",
		PreviewOutputDir: t.TempDir(),
	}
	r, err := NewPreviewRunner(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new preview runner: %v", err)
	}
	return r
}

func TestPreviewRunnerRendersThumbnail(t *testing.T) {
	src := pngSource(t, 200, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	r := localPreviewRunner(t)
	out := r.Execute(context.Background(), previewPayload(t, srv.URL, map[string]any{
		"width":     50,
		"grayscale": true,
	}))
	if out.Verdict != Done {
		t.Fatalf("expected Done, got %v (%v)", out.Verdict, out.Err)
	}
	// Resize by width only preserves the 2:1 aspect ratio.
	if out.Result["width"] != 50 || out.Result["height"] != 25 {
		t.Fatalf("unexpected dimensions: %v", out.Result)
	}

	path, _ := out.Result["output"].(string)
	if path == "" {
		t.Fatalf("expected output path, got %v", out.Result["output"])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("artifact is not a decodable image: %v", err)
	}
}

func TestPreviewRunnerSourceStatusOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   Verdict
	}{
		{"not found fails", http.StatusNotFound, PermanentFailure},
		{"server error retries", http.StatusServiceUnavailable, TransientFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			r := localPreviewRunner(t)
			out := r.Execute(context.Background(), previewPayload(t, srv.URL, nil))
			if out.Verdict != tc.want {
				t.Fatalf("got %v (%v), want %v", out.Verdict, out.Err, tc.want)
			}
		})
	}
}

func TestPreviewRunnerRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	r := localPreviewRunner(t)
	out := r.Execute(context.Background(), previewPayload(t, srv.URL, nil))
	if out.Verdict != PermanentFailure {
		t.Fatalf("expected permanent failure, got %v (%v)", out.Verdict, out.Err)
	}
}

func TestPreviewRunnerRejectsOversizedSource(t *testing.T) {
	src := pngSource(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	cfg := config.Config{
		PreviewQueue:     "preview-tasks",
		PreviewOutputDir: t.TempDir(),
		PreviewMaxBytes:  16,
	}
	r, err := NewPreviewRunner(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new preview runner: %v", err)
	}
	out := r.Execute(context.Background(), previewPayload(t, srv.URL, nil))
	if out.Verdict != PermanentFailure {
		t.Fatalf("expected permanent failure for oversized source, got %v", out.Verdict)
	}
}
