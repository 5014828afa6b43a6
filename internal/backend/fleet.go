package backend

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/genhub/internal/model"
)

// Fleet is the on-disk description of render types and backend instances.
type Fleet struct {
	RenderTypes []RenderType    `yaml:"render_types"`
	Instances   []FleetInstance `yaml:"instances"`
}

// FleetInstance is an instance entry in the fleet file. Active defaults to
// true when omitted.
type FleetInstance struct {
	Name        string   `yaml:"name"`
	BaseURL     string   `yaml:"base_url"`
	RenderTypes []string `yaml:"render_types"`
	Active      *bool    `yaml:"active"`
}

// LoadFleet reads and validates a fleet file. A missing file yields an empty fleet.
func LoadFleet(path string) (Fleet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Fleet{}, nil
	}
	if err != nil {
		return Fleet{}, fmt.Errorf("read fleet file: %w", err)
	}
	return ParseFleet(data)
}

// ParseFleet decodes fleet YAML and checks its internal references.
func ParseFleet(data []byte) (Fleet, error) {
	var f Fleet
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fleet{}, fmt.Errorf("decode fleet: %w", err)
	}

	known := make(map[string]bool, len(f.RenderTypes))
	for _, rt := range f.RenderTypes {
		if rt.Name == "" || rt.Workflow == "" {
			return Fleet{}, fmt.Errorf("render type %q: name and workflow are required", rt.Name)
		}
		if rt.Mode != model.ModeImageGeneration && rt.Mode != model.ModeUpscale {
			return Fleet{}, fmt.Errorf("render type %q: unknown mode %q", rt.Name, rt.Mode)
		}
		known[rt.Name] = true
	}

	for _, inst := range f.Instances {
		if inst.Name == "" || inst.BaseURL == "" {
			return Fleet{}, fmt.Errorf("instance %q: name and base_url are required", inst.Name)
		}
		for _, rt := range inst.RenderTypes {
			if !known[rt] {
				return Fleet{}, fmt.Errorf("instance %q: unknown render type %q", inst.Name, rt)
			}
		}
	}
	return f, nil
}

// Apply registers the fleet's render types and instances in file order.
func (f Fleet) Apply(r *Registry) error {
	for _, rt := range f.RenderTypes {
		r.AddRenderType(rt)
	}
	for _, fi := range f.Instances {
		active := true
		if fi.Active != nil {
			active = *fi.Active
		}
		inst := Instance{
			Name:        fi.Name,
			BaseURL:     fi.BaseURL,
			RenderTypes: fi.RenderTypes,
			Active:      active,
		}
		if err := r.Register(inst); err != nil {
			return err
		}
	}
	return nil
}
