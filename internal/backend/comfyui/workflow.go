package comfyui

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/genhub/internal/backend"
)

// Node titles the hub looks for when filling a workflow.
const (
	TitlePrompt         = "MCP_INPUT_PROMPT"
	TitleNegativePrompt = "MCP_INPUT_NEGATIVE_PROMPT"
	TitleSeed           = "MCP_SEED"
	TitleResolution     = "MCP_RESOLUTION"
	TitleDenoise        = "MCP_DENOISE"
	TitleInputImage     = "MCP_INPUT_IMAGE"
	TitleOutputImage    = "MCP_OUTPUT_IMAGE"
)

type nodeMeta struct {
	Title string `json:"title"`
}

type node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      nodeMeta       `json:"_meta"`
}

// workflow is a ComfyUI API-format graph keyed by node id.
type workflow map[string]*node

func loadWorkflow(dir, filename string) (workflow, error) {
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return nil, fmt.Errorf("%w: invalid workflow filename %q", backend.ErrPermanent, filename)
	}

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: workflow %q not found", backend.ErrPermanent, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow %q: %w", filename, err)
	}

	var wf workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("%w: decode workflow %q: %v", backend.ErrPermanent, filename, err)
	}
	for _, n := range wf {
		if n != nil && n.Inputs == nil {
			n.Inputs = make(map[string]any)
		}
	}
	return wf, nil
}

// find returns the id and node carrying title.
func (wf workflow) find(title string) (string, *node) {
	for id, n := range wf {
		if n != nil && n.Meta.Title == title {
			return id, n
		}
	}
	return "", nil
}

// setFirst writes value to the first input key the node already has, or to
// fallback when none of keys is present.
func (n *node) setFirst(value any, fallback string, keys ...string) {
	for _, k := range keys {
		if _, ok := n.Inputs[k]; ok {
			n.Inputs[k] = value
			return
		}
	}
	n.Inputs[fallback] = value
}

func (n *node) setText(title, text string) error {
	for _, k := range []string{"text", "Text"} {
		if _, ok := n.Inputs[k]; ok {
			n.Inputs[k] = text
			return nil
		}
	}
	return fmt.Errorf("%w: node %q has no text input", backend.ErrPermanent, title)
}
