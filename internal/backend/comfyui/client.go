package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/model"
)

const (
	defaultPollInterval = time.Second
	maxImageBytes       = 64 << 20
	maxErrorBody        = 1024
)

// Options configures clients built by Factory.
type Options struct {
	WorkflowDir  string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to one ComfyUI server over its HTTP API.
type Client struct {
	baseURL      string
	workflowDir  string
	pollInterval time.Duration
	clientID     string
	http         *http.Client
	logger       *slog.Logger

	mu      sync.Mutex
	outputs map[string]string // prompt id -> output node id
}

var _ backend.Client = (*Client)(nil)

// New creates a client for the server at baseURL.
func New(baseURL string, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		workflowDir:  opts.WorkflowDir,
		pollInterval: opts.PollInterval,
		clientID:     uuid.NewString(),
		http:         opts.HTTPClient,
		logger:       opts.Logger.With("component", "comfyui", "base_url", baseURL),
		outputs:      make(map[string]string),
	}
}

// Factory returns a backend.ClientFactory building ComfyUI clients.
func Factory(opts Options) backend.ClientFactory {
	return func(inst backend.Instance) backend.Client {
		return New(inst.BaseURL, opts)
	}
}

type queueResponse struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// QueueDepth returns the number of running plus pending prompts.
func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var q queueResponse
	if err := c.getJSON(ctx, "/queue", &q); err != nil {
		return 0, err
	}
	return len(q.Running) + len(q.Pending), nil
}

type promptRequest struct {
	Prompt   workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// Submit fills the request's workflow and queues it, returning the prompt id.
func (c *Client) Submit(ctx context.Context, req model.Request) (string, error) {
	wf, err := loadWorkflow(c.workflowDir, req.Workflow)
	if err != nil {
		return "", err
	}

	outputID, err := c.fill(ctx, wf, req)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(promptRequest{Prompt: wf, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("%w: encode prompt: %v", backend.ErrPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build prompt request: %v", backend.ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", transportError("queue prompt", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("queue prompt", resp)
	}

	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("%w: decode prompt response: %v", backend.ErrTransient, err)
	}
	if hasNodeErrors(pr.NodeErrors) {
		return "", fmt.Errorf("%w: workflow rejected: %s", backend.ErrPermanent, pr.NodeErrors)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("%w: server returned no prompt_id", backend.ErrTransient)
	}

	c.mu.Lock()
	c.outputs[pr.PromptID] = outputID
	c.mu.Unlock()

	c.logger.Info("prompt queued", "prompt_id", pr.PromptID, "workflow", req.Workflow)
	return pr.PromptID, nil
}

func hasNodeErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "{}" && s != "null" && s != "[]"
}

// fill injects request values into the workflow and returns the output node id.
func (c *Client) fill(ctx context.Context, wf workflow, req model.Request) (string, error) {
	outputID, out := wf.find(TitleOutputImage)
	if out == nil {
		return "", fmt.Errorf("%w: workflow %q has no %s node", backend.ErrPermanent, req.Workflow, TitleOutputImage)
	}

	_, prompt := wf.find(TitlePrompt)
	switch {
	case prompt != nil && req.Prompt != "":
		if err := prompt.setText(TitlePrompt, req.Prompt); err != nil {
			return "", err
		}
	case prompt == nil && req.Tool == model.ToolGenerateImage:
		return "", fmt.Errorf("%w: workflow %q has no %s node", backend.ErrPermanent, req.Workflow, TitlePrompt)
	}

	if _, neg := wf.find(TitleNegativePrompt); neg != nil {
		if err := neg.setText(TitleNegativePrompt, req.NegativePrompt); err != nil {
			return "", err
		}
	}

	if _, seed := wf.find(TitleSeed); seed != nil {
		seed.setFirst(req.Seed, "seed", "seed", "noise_seed", "value", "Value")
	}

	if req.Width > 0 && req.Height > 0 {
		if _, res := wf.find(TitleResolution); res != nil {
			res.Inputs["width"] = req.Width
			res.Inputs["height"] = req.Height
		} else {
			c.logger.Warn("resolution requested but workflow has no resolution node", "workflow", req.Workflow)
		}
	}

	if req.Denoise != nil {
		if _, dn := wf.find(TitleDenoise); dn != nil {
			dn.setFirst(*req.Denoise, "denoise", "denoise", "value", "Value")
		}
	}

	if req.Tool == model.ToolUpscaleImage {
		_, in := wf.find(TitleInputImage)
		if in == nil {
			return "", fmt.Errorf("%w: workflow %q has no %s node", backend.ErrPermanent, req.Workflow, TitleInputImage)
		}
		name, err := c.uploadInput(ctx, req.InputImageURL)
		if err != nil {
			return "", err
		}
		in.Inputs["image"] = name
	}

	return outputID, nil
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
}

// uploadInput fetches the source image and stores it on the server.
func (c *Client) uploadInput(ctx context.Context, src string) (string, error) {
	data, filename, err := c.fetchSource(ctx, src)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("%w: build upload: %v", backend.ErrPermanent, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: build upload: %v", backend.ErrPermanent, err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("%w: build upload: %v", backend.ErrPermanent, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: build upload: %v", backend.ErrPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("%w: build upload request: %v", backend.ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", transportError("upload image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("upload image", resp)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("%w: decode upload response: %v", backend.ErrTransient, err)
	}
	if ur.Subfolder != "" {
		return ur.Subfolder + "/" + ur.Name, nil
	}
	return ur.Name, nil
}

func (c *Client) fetchSource(ctx context.Context, src string) ([]byte, string, error) {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: input image url %q is not http(s)", backend.ErrPermanent, src)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build download request: %v", backend.ErrPermanent, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, "", transportError("download input image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("download input image", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", transportError("download input image", err)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "input.png"
	}
	return data, name, nil
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

// Await polls the prompt history until the prompt finishes, then downloads
// the first image of the output node.
func (c *Client) Await(ctx context.Context, ref string) (backend.Output, error) {
	c.mu.Lock()
	outputID := c.outputs[ref]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.outputs, ref)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		// A failed poll leaves the prompt queued on the server; keep polling
		// rather than letting the executor submit it again.
		entry, found, err := c.history(ctx, ref)
		switch {
		case err != nil && !errors.Is(err, backend.ErrTransient):
			return backend.Output{}, err
		case err != nil:
			c.logger.Warn("history poll failed", "prompt_id", ref, "error", err)
		case found:
			if entry.Status.StatusStr == "error" {
				return backend.Output{}, fmt.Errorf("%w: prompt %s failed during execution", backend.ErrPermanent, ref)
			}
			if entry.Status.Completed || len(entry.Outputs) > 0 {
				img, ok := pickImage(entry, outputID)
				if !ok {
					return backend.Output{}, fmt.Errorf("%w: prompt %s completed without images", backend.ErrTransient, ref)
				}
				return c.download(ctx, img)
			}
		}

		select {
		case <-ctx.Done():
			return backend.Output{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func pickImage(entry historyEntry, outputID string) (imageRef, bool) {
	if out, ok := entry.Outputs[outputID]; ok && len(out.Images) > 0 {
		return out.Images[0], true
	}
	for _, out := range entry.Outputs {
		if len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	return imageRef{}, false
}

func (c *Client) history(ctx context.Context, ref string) (historyEntry, bool, error) {
	var h map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(ref), &h); err != nil {
		return historyEntry{}, false, err
	}
	entry, ok := h[ref]
	return entry, ok, nil
}

func (c *Client) download(ctx context.Context, img imageRef) (backend.Output, error) {
	if img.Filename == "" {
		return backend.Output{}, fmt.Errorf("%w: history image has no filename", backend.ErrPermanent)
	}
	if img.Type == "" {
		img.Type = "output"
	}
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return backend.Output{}, fmt.Errorf("%w: build view request: %v", backend.ErrPermanent, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return backend.Output{}, transportError("download image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return backend.Output{}, statusError("download image", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return backend.Output{}, transportError("download image", err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = mime.TypeByExtension(path.Ext(img.Filename))
	}
	if ct == "" {
		ct = "image/png"
	}
	return backend.Output{
		Filename:    path.Base(img.Filename),
		ContentType: ct,
		Data:        data,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, p string, v any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+p, nil)
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", backend.ErrPermanent, p, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transportError("GET "+p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("GET "+p, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", backend.ErrTransient, p, err)
	}
	return nil
}

func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, backend.ErrTransient, err)
}

// statusError classifies a non-200 response: 5xx is transient, anything else permanent.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := backend.ErrPermanent
	if resp.StatusCode >= 500 {
		kind = backend.ErrTransient
	}
	return fmt.Errorf("%s: %w: status %d: %s", op, kind, resp.StatusCode, strings.TrimSpace(string(body)))
}
