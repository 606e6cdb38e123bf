package client

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/config"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/pkg/imageutil"
)

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

type fakeComfy struct {
	promptFailures int32
	historyPolls   int32
	readyAfter     int32
	uploads        int32
	neverFinish    bool

	mu         sync.Mutex
	lastPrompt map[string]interface{}
}

func (f *fakeComfy) prompt() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

func (f *fakeComfy) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("upload: %v", err)
		}
		_, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("upload missing image: %v", err)
			return
		}
		if r.FormValue("overwrite") != "true" {
			t.Errorf("upload should request overwrite")
		}
		atomic.AddInt32(&f.uploads, 1)
		json.NewEncoder(w).Encode(map[string]string{"name": hdr.Filename})
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&f.promptFailures, -1) >= 0 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var body map[string]map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastPrompt = body["prompt"]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-1"})
	})
	mux.HandleFunc("/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.historyPolls, 1)
		if f.neverFinish || n < f.readyAfter {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"p-1":{"status":{"completed":true},"outputs":{"3":{"images":[]},"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "out.png" || r.URL.Query().Get("type") != "output" {
			t.Errorf("unexpected view query %s", r.URL.RawQuery)
		}
		data, _ := imageutil.EncodePNG(testImage(16, 16), 0)
		w.Write(data)
	})
	mux.HandleFunc("/face/detect", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces":[{"x":1,"y":2,"w":3,"h":4}]}`))
	})
	return mux
}

func newTestComfy(t *testing.T, f *fakeComfy, timeout time.Duration) *ComfyClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewComfyClient(&config.FaceSwapConfig{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Timeout:      timeout,
		MaxAttempts:  3,
		RetryDelay:   time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewComfyClient: %v", err)
	}
	return c
}

func TestComfyClient_SwapFace(t *testing.T) {
	f := &fakeComfy{readyAfter: 3}
	c := newTestComfy(t, f, time.Second)

	seed := int64(12345)
	img, err := c.SwapFace(context.Background(), &SwapRequest{
		Child:          testImage(8, 8),
		Target:         testImage(32, 32),
		Prompt:         "storybook, child portrait",
		NegativePrompt: "low quality",
		Seed:           &seed,
	})
	if err != nil {
		t.Fatalf("SwapFace: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Errorf("unexpected result size %v", img.Bounds())
	}
	if atomic.LoadInt32(&f.uploads) != 3 {
		t.Errorf("expected child, target and mask uploads, got %d", f.uploads)
	}

	wf := f.prompt()
	sampler := wf["10"].(map[string]interface{})["inputs"].(map[string]interface{})
	if sampler["seed"].(float64) != 12345 {
		t.Errorf("seed not applied: %v", sampler["seed"])
	}
	pos := wf["6"].(map[string]interface{})["inputs"].(map[string]interface{})
	neg := wf["7"].(map[string]interface{})["inputs"].(map[string]interface{})
	if pos["text"] != "storybook, child portrait" || neg["text"] != "low quality" {
		t.Errorf("prompts not applied: %v / %v", pos["text"], neg["text"])
	}
}

func TestComfyClient_SwapFaceRetriesTransient(t *testing.T) {
	f := &fakeComfy{promptFailures: 2, readyAfter: 1}
	c := newTestComfy(t, f, time.Second)

	if _, err := c.SwapFace(context.Background(), &SwapRequest{Child: testImage(4, 4), Target: testImage(4, 4)}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
}

func TestComfyClient_SwapFaceExhaustedIsHard(t *testing.T) {
	f := &fakeComfy{promptFailures: 10, readyAfter: 1}
	c := newTestComfy(t, f, time.Second)

	_, err := c.SwapFace(context.Background(), &SwapRequest{Child: testImage(4, 4), Target: testImage(4, 4)})
	var hard *model.FaceSwapHardError
	if !errors.As(err, &hard) {
		t.Fatalf("expected FaceSwapHardError, got %v", err)
	}
}

func TestComfyClient_PollTimeout(t *testing.T) {
	f := &fakeComfy{neverFinish: true}
	c := newTestComfy(t, f, 30*time.Millisecond)

	_, err := c.WaitForImage(context.Background(), "p-1")
	var hard *model.FaceSwapHardError
	if !errors.As(err, &hard) {
		t.Fatalf("expected FaceSwapHardError on timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestComfyClient_DetectFace(t *testing.T) {
	f := &fakeComfy{}
	c := newTestComfy(t, f, time.Second)

	ok, err := c.DetectFace(context.Background(), testImage(4, 4))
	if err != nil || !ok {
		t.Fatalf("DetectFace = %v, %v", ok, err)
	}

	srvNone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces":[]}`))
	}))
	defer srvNone.Close()
	c.detectURL = srvNone.URL

	ok, err = c.DetectFace(context.Background(), testImage(4, 4))
	if err != nil || ok {
		t.Fatalf("expected no face, got %v, %v", ok, err)
	}
}

func TestComfyClient_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := NewComfyClient(&config.FaceSwapConfig{BaseURL: url, MaxAttempts: 1}, zerolog.Nop())
	_, err := c.DetectFace(context.Background(), testImage(4, 4))
	if !model.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBuildWorkflow_NoSeedKeepsTemplate(t *testing.T) {
	wf, err := buildWorkflow([]byte(`{"1":{"class_type":"KSampler","inputs":{"seed":42}}}`), workflowInputs{})
	if err != nil {
		t.Fatal(err)
	}
	seed := wf["1"].(map[string]interface{})["inputs"].(map[string]interface{})["seed"]
	if seed.(float64) != 42 {
		t.Errorf("seed overwritten without request: %v", seed)
	}
}
