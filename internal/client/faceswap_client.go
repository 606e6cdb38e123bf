package client

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/config"
	"github.com/taleforge/api/internal/metrics"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/pkg/imageutil"
)

//go:embed workflows/*.json
var workflowFS embed.FS

// FaceService defines the face swap, detection and crop operations
type FaceService interface {
	SwapFace(ctx context.Context, req *SwapRequest) (image.Image, error)
	DetectFace(ctx context.Context, img image.Image) (bool, error)
	CropFace(ctx context.Context, img image.Image) (image.Image, error)
}

// SwapRequest is one identity transfer onto a template illustration
type SwapRequest struct {
	Child          image.Image
	Target         image.Image
	Mask           image.Image
	Prompt         string
	NegativePrompt string
	Seed           *int64
}

// ComfyClient implements FaceService against a ComfyUI server
type ComfyClient struct {
	httpClient   *http.Client
	baseURL      string
	detectURL    string
	pollInterval time.Duration
	timeout      time.Duration
	maxAttempts  uint
	retryDelay   time.Duration
	swapWorkflow []byte
	cropWorkflow []byte
	logger       zerolog.Logger
}

// Preferred output nodes of the bundled workflows, checked before any other node
var preferredOutputNodes = []string{"140", "9"}

// NewComfyClient creates a new face service client
func NewComfyClient(cfg *config.FaceSwapConfig, logger zerolog.Logger) (*ComfyClient, error) {
	swap, err := workflowFS.ReadFile("workflows/face_swap.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read swap workflow: %w", err)
	}
	crop, err := workflowFS.ReadFile("workflows/face_crop.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read crop workflow: %w", err)
	}

	c := &ComfyClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		detectURL:    strings.TrimRight(cfg.DetectURL, "/"),
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		maxAttempts:  cfg.MaxAttempts,
		retryDelay:   cfg.RetryDelay,
		swapWorkflow: swap,
		cropWorkflow: crop,
		logger:       logger.With().Str("component", "face_service").Logger(),
	}
	if c.detectURL == "" {
		c.detectURL = c.baseURL
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 3 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 300 * time.Second
	}
	if c.maxAttempts == 0 {
		c.maxAttempts = 1
	}
	return c, nil
}

// SwapFace uploads the inputs, queues the swap workflow and waits for the
// result image. Transient failures are retried with backoff; once attempts
// are exhausted they surface as FaceSwapHardError.
func (c *ComfyClient) SwapFace(ctx context.Context, req *SwapRequest) (image.Image, error) {
	mask := req.Mask
	if mask == nil {
		b := req.Target.Bounds()
		mask = imageutil.FaceMask(b.Dx(), b.Dy())
	}

	var result image.Image
	err := c.withRetry(ctx, "swap", func() error {
		childName, err := c.UploadImage(ctx, req.Child, "child")
		if err != nil {
			return err
		}
		targetName, err := c.UploadImage(ctx, req.Target, "illustration")
		if err != nil {
			return err
		}
		maskName, err := c.UploadImage(ctx, mask, "mask")
		if err != nil {
			return err
		}

		workflow, err := buildWorkflow(c.swapWorkflow, workflowInputs{
			Photo:          childName,
			Illustration:   targetName,
			Mask:           maskName,
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Seed:           req.Seed,
		})
		if err != nil {
			return &model.FaceSwapHardError{Op: "swap", Err: err}
		}

		promptID, err := c.QueuePrompt(ctx, workflow)
		if err != nil {
			return err
		}
		result, err = c.WaitForImage(ctx, promptID)
		return err
	})
	c.observe("swap", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CropFace runs the crop workflow on a photo. Transient failures are returned
// as is so callers can apply their own retry policy.
func (c *ComfyClient) CropFace(ctx context.Context, img image.Image) (image.Image, error) {
	result, err := c.cropFace(ctx, img)
	c.observe("crop", err)
	return result, err
}

func (c *ComfyClient) cropFace(ctx context.Context, img image.Image) (image.Image, error) {
	name, err := c.UploadImage(ctx, img, "child")
	if err != nil {
		return nil, err
	}
	workflow, err := buildWorkflow(c.cropWorkflow, workflowInputs{Photo: name})
	if err != nil {
		return nil, &model.FaceSwapHardError{Op: "crop", Err: err}
	}
	promptID, err := c.QueuePrompt(ctx, workflow)
	if err != nil {
		return nil, err
	}
	return c.WaitForImage(ctx, promptID)
}

type faceBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type detectResponse struct {
	Faces []faceBox `json:"faces"`
}

// DetectFace reports whether the photo contains at least one face
func (c *ComfyClient) DetectFace(ctx context.Context, img image.Image) (bool, error) {
	body, contentType, err := multipartImage(img, "photo.png", nil)
	if err != nil {
		return false, &model.FaceSwapHardError{Op: "detect", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.detectURL+"/face/detect", body)
	if err != nil {
		return false, &model.FaceSwapHardError{Op: "detect", Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	var resp detectResponse
	err = c.doRequest(req, "detect", &resp)
	c.observe("detect", err)
	if err != nil {
		return false, err
	}
	return len(resp.Faces) > 0, nil
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadImage uploads a PNG to the server and returns the stored file name
func (c *ComfyClient) UploadImage(ctx context.Context, img image.Image, prefix string) (string, error) {
	filename := fmt.Sprintf("%s_%s.png", prefix, strings.ReplaceAll(uuid.New().String(), "-", ""))
	body, contentType, err := multipartImage(img, filename, map[string]string{"overwrite": "true"})
	if err != nil {
		return "", &model.FaceSwapHardError{Op: "upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", body)
	if err != nil {
		return "", &model.FaceSwapHardError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	var resp uploadResponse
	if err := c.doRequest(req, "upload", &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return filename, nil
	}
	return resp.Name, nil
}

type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

// QueuePrompt submits a workflow and returns its prompt id
func (c *ComfyClient) QueuePrompt(ctx context.Context, workflow map[string]interface{}) (string, error) {
	data, err := json.Marshal(map[string]interface{}{"prompt": workflow})
	if err != nil {
		return "", &model.FaceSwapHardError{Op: "queue", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(data))
	if err != nil {
		return "", &model.FaceSwapHardError{Op: "queue", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var resp queueResponse
	if err := c.doRequest(req, "queue", &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", &model.FaceSwapHardError{Op: "queue", Err: errors.New("empty prompt_id")}
	}
	c.logger.Info().Str("prompt_id", resp.PromptID).Msg("prompt queued")
	return resp.PromptID, nil
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		Completed bool        `json:"completed"`
		Error     interface{} `json:"error,omitempty"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []historyImage `json:"images"`
	} `json:"outputs"`
}

// WaitForImage polls the history endpoint until the prompt produced an image,
// failed, or the configured timeout elapsed
func (c *ComfyClient) WaitForImage(ctx context.Context, promptID string) (image.Image, error) {
	deadline := time.Now().Add(c.timeout)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++

		entry, err := c.history(ctx, promptID)
		switch {
		case err != nil && model.IsTransient(err):
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("prompt_id", promptID).Msg("history poll failed")
		case err != nil:
			return nil, err
		case entry != nil:
			if entry.Status.Completed {
				if out, ok := pickOutput(entry); ok {
					return c.view(ctx, out)
				}
			}
			if entry.Status.Error != nil {
				return nil, &model.FaceSwapHardError{Op: "poll", Err: fmt.Errorf("workflow failed: %v", entry.Status.Error)}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return nil, &model.FaceSwapHardError{Op: "poll", Err: fmt.Errorf("generation timed out after %v", c.timeout)}
}

func (c *ComfyClient) history(ctx context.Context, promptID string) (*historyEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, &model.FaceSwapHardError{Op: "history", Err: err}
	}

	var resp map[string]historyEntry
	if err := c.doRequest(req, "history", &resp); err != nil {
		return nil, err
	}
	entry, ok := resp[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func pickOutput(entry *historyEntry) (historyImage, bool) {
	for _, id := range preferredOutputNodes {
		if out, ok := entry.Outputs[id]; ok && len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	for _, out := range entry.Outputs {
		if len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	return historyImage{}, false
}

func (c *ComfyClient) view(ctx context.Context, img historyImage) (image.Image, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", "output")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, &model.FaceSwapHardError{Op: "view", Err: err}
	}

	var raw []byte
	if err := c.doRequest(req, "view", &raw); err != nil {
		return nil, err
	}
	decoded, err := imageutil.Decode(raw)
	if err != nil {
		return nil, &model.FaceSwapHardError{Op: "view", Err: err}
	}
	return decoded, nil
}

// doRequest executes an HTTP request and decodes the response. result may be
// *[]byte to receive the raw body. Connection failures and 5xx responses are
// transient; other failures are hard.
func (c *ComfyClient) doRequest(req *http.Request, op string, result interface{}) error {
	c.logger.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("→ face service")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return &model.FaceSwapTransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.FaceSwapTransientError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("← face service")

	if resp.StatusCode >= 500 {
		return &model.FaceSwapTransientError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &model.FaceSwapHardError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	if raw, ok := result.(*[]byte); ok {
		*raw = body
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return &model.FaceSwapHardError{Op: op, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

func (c *ComfyClient) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.maxAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(model.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", n+1).Str("op", op).Msg("face service call failed, retrying")
		}),
	)
	if err != nil && model.IsTransient(err) {
		return &model.FaceSwapHardError{Op: op, Err: fmt.Errorf("retries exhausted: %w", err)}
	}
	return err
}

func (c *ComfyClient) observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case model.IsTransient(err):
		outcome = "transient"
	default:
		outcome = "error"
	}
	metrics.FaceServiceCalls.WithLabelValues(op, outcome).Inc()
}

func multipartImage(img image.Image, filename string, fields map[string]string) (io.Reader, string, error) {
	data, err := imageutil.EncodePNG(img, 0)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type workflowInputs struct {
	Photo          string
	Illustration   string
	Mask           string
	Prompt         string
	NegativePrompt string
	Seed           *int64
}

// buildWorkflow fills a ComfyUI API-format workflow. LoadImage nodes are
// matched by title, CLIPTextEncode nodes titled "negative" get the negative
// prompt, every KSampler gets the seed when one is given.
func buildWorkflow(template []byte, in workflowInputs) (map[string]interface{}, error) {
	var wf map[string]interface{}
	if err := json.Unmarshal(template, &wf); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	for _, raw := range wf {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inputs, _ := node["inputs"].(map[string]interface{})
		if inputs == nil {
			inputs = map[string]interface{}{}
			node["inputs"] = inputs
		}
		title := strings.ToLower(nodeTitle(node))

		switch node["class_type"] {
		case "LoadImage":
			switch {
			case strings.Contains(title, "photo") && in.Photo != "":
				inputs["image"] = in.Photo
			case strings.Contains(title, "mask") && in.Mask != "":
				inputs["image"] = in.Mask
			case strings.Contains(title, "illustr") && in.Illustration != "":
				inputs["image"] = in.Illustration
			}
		case "CLIPTextEncode":
			if strings.Contains(title, "negative") {
				inputs["text"] = in.NegativePrompt
			} else {
				inputs["text"] = in.Prompt
			}
		case "KSampler":
			if in.Seed != nil {
				inputs["seed"] = *in.Seed
			}
		}
	}
	return wf, nil
}

func nodeTitle(node map[string]interface{}) string {
	meta, _ := node["_meta"].(map[string]interface{})
	title, _ := meta["title"].(string)
	return title
}
