package api

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/dispatch"
	"github.com/seantiz/genhub/internal/model"
)

// maxSeed bounds randomly chosen seeds to what every sampler accepts.
const maxSeed = 1<<32 - 1

type resolution struct {
	Width, Height int
}

// aspectRatios maps presets to SDXL-native resolutions.
var aspectRatios = map[string]resolution{
	"1:1":  {1024, 1024},
	"16:9": {1344, 768},
	"9:16": {768, 1344},
	"4:3":  {1152, 896},
	"3:4":  {896, 1152},
	"3:2":  {1216, 832},
	"2:3":  {832, 1216},
}

var aspectRatioNames = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3"}

type generateImageArgs struct {
	Prompt         string `json:"prompt" validate:"required,max=8000"`
	NegativePrompt string `json:"negative_prompt" validate:"max=8000"`
	AspectRatio    string `json:"aspect_ratio" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4 3:2 2:3"`
	RenderType     string `json:"render_type" validate:"max=128"`
	Seed           *int64 `json:"seed" validate:"omitempty,min=0"`
}

type upscaleImageArgs struct {
	InputImageURL string   `json:"input_image_url" validate:"required,http_url"`
	Prompt        string   `json:"prompt" validate:"max=8000"`
	RenderType    string   `json:"render_type" validate:"max=128"`
	Denoise       *float64 `json:"denoise" validate:"omitempty,min=0,max=1"`
	Seed          *int64   `json:"seed" validate:"omitempty,min=0"`
}

// validationError is reported to the caller as invalid params.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// buildRequest validates tool arguments and resolves the render type that
// becomes the job type.
func (s *Server) buildRequest(tool string, raw json.RawMessage) (model.Request, backend.RenderType, error) {
	mode, ok := model.ModeForTool(tool)
	if !ok {
		return model.Request{}, backend.RenderType{}, invalid("unknown tool %q", tool)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var (
		req        = model.Request{Tool: tool}
		renderType string
		seed       *int64
	)

	switch tool {
	case model.ToolGenerateImage:
		var args generateImageArgs
		if err := s.decodeArgs(raw, &args); err != nil {
			return model.Request{}, backend.RenderType{}, err
		}
		req.Prompt = args.Prompt
		req.NegativePrompt = args.NegativePrompt
		if args.AspectRatio != "" {
			res := aspectRatios[args.AspectRatio]
			req.Width, req.Height = res.Width, res.Height
		}
		renderType, seed = args.RenderType, args.Seed

	case model.ToolUpscaleImage:
		var args upscaleImageArgs
		if err := s.decodeArgs(raw, &args); err != nil {
			return model.Request{}, backend.RenderType{}, err
		}
		req.Prompt = args.Prompt
		req.InputImageURL = args.InputImageURL
		req.Denoise = args.Denoise
		renderType, seed = args.RenderType, args.Seed
	}

	rt, err := s.resolveRenderType(mode, renderType)
	if err != nil {
		return model.Request{}, backend.RenderType{}, err
	}
	req.Workflow = rt.Workflow

	if seed != nil {
		req.Seed = *seed
	} else {
		req.Seed = rand.Int64N(maxSeed)
	}
	return req, rt, nil
}

func (s *Server) decodeArgs(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalid("invalid arguments: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return invalid("invalid arguments: %s", validationMessage(err))
	}
	return nil
}

func (s *Server) resolveRenderType(mode, name string) (backend.RenderType, error) {
	if name == "" {
		rt, ok := s.registry.DefaultRenderType(mode)
		if !ok {
			return backend.RenderType{}, fmt.Errorf("%w: no render type configured for %s", dispatch.ErrNoCompatibleBackend, mode)
		}
		return rt, nil
	}

	rt, ok := s.registry.RenderType(name)
	if !ok {
		return backend.RenderType{}, invalid("unknown render type %q", name)
	}
	if rt.Mode != mode {
		return backend.RenderType{}, invalid("render type %q is not a %s workflow", name, mode)
	}
	return rt, nil
}

// toolDefinitions lists the tools whose mode has at least one render type.
func (s *Server) toolDefinitions() []map[string]any {
	output := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"image_url":              map[string]any{"type": "string"},
			"seed":                   map[string]any{"type": "integer"},
			"human_readable_summary": map[string]any{"type": "string"},
		},
		"required": []string{"image_url", "seed", "human_readable_summary"},
	}

	var tools []map[string]any
	if names := s.renderTypeNames(model.ModeImageGeneration); len(names) > 0 {
		tools = append(tools, map[string]any{
			"name":        model.ToolGenerateImage,
			"title":       "Generate Image from Text",
			"description": "Generates a new image from a textual description.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":          map[string]any{"type": "string", "description": "What the image should show."},
					"negative_prompt": map[string]any{"type": "string", "description": "Elements to avoid."},
					"aspect_ratio":    map[string]any{"type": "string", "enum": aspectRatioNames},
					"render_type":     map[string]any{"type": "string", "enum": names},
					"seed":            map[string]any{"type": "integer", "minimum": 0},
				},
				"required": []string{"prompt"},
			},
			"outputSchema": output,
		})
	}
	if names := s.renderTypeNames(model.ModeUpscale); len(names) > 0 {
		tools = append(tools, map[string]any{
			"name":        model.ToolUpscaleImage,
			"title":       "Upscale an Image",
			"description": "Increases the resolution and detail of an existing image.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input_image_url": map[string]any{"type": "string", "description": "URL of the source image."},
					"prompt":          map[string]any{"type": "string", "description": "Optional guidance for the upscale."},
					"render_type":     map[string]any{"type": "string", "enum": names},
					"denoise":         map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"seed":            map[string]any{"type": "integer", "minimum": 0},
				},
				"required": []string{"input_image_url"},
			},
			"outputSchema": output,
		})
	}
	if tools == nil {
		tools = []map[string]any{}
	}
	return tools
}

func (s *Server) renderTypeNames(mode string) []string {
	var names []string
	for _, rt := range s.registry.RenderTypes(mode) {
		names = append(names, rt.Name)
	}
	return names
}
