// Package shaper implements the per-endpoint telemetry shaping rules
// (C3, §4.3): which fields of a MessageDataRecord are published, how they
// are renamed, what pattern-based extraction is applied, and whether the
// MonitoredItem/Value sub-objects are flattened into the top level.
package shaper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"gopkg.in/yaml.v3"
)

// FieldConfig is the {publish, name, pattern} tuple recognised for every
// shaped field. Publish/Name/Pattern are pointers/empty-string so an
// endpoint-specific entry can leave a sub-field unset and inherit it from
// Defaults (the overlay rule in §4.3).
type FieldConfig struct {
	Publish *bool  `yaml:"publish,omitempty" json:"publish,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	compiled *regexp.Regexp
}

func boolPtr(b bool) *bool { return &b }

func (f FieldConfig) isPublish() bool {
	return f.Publish != nil && *f.Publish
}

// overlay returns a FieldConfig with every unset field of f replaced by
// the corresponding field of base.
func (f FieldConfig) overlay(base FieldConfig) FieldConfig {
	out := base
	if f.Publish != nil {
		out.Publish = f.Publish
	}
	if f.Name != "" {
		out.Name = f.Name
	}
	if f.Pattern != "" {
		out.Pattern = f.Pattern
		out.compiled = nil
	}
	return out
}

// EndpointTelemetry is the per-endpoint (or Defaults) shaping
// configuration described in §4.3.
type EndpointTelemetry struct {
	ForEndpointUrl string `yaml:"ForEndpointUrl,omitempty" json:"ForEndpointUrl,omitempty"`

	// Name is a global, Defaults-only label for the configuration as a
	// whole. It is rejected on any endpoint-specific entry (§4.3
	// validation); it never appears in shaped output.
	Name string `yaml:"Name,omitempty" json:"Name,omitempty"`

	EndpointUrl     FieldConfig `yaml:"EndpointUrl,omitempty" json:"EndpointUrl,omitempty"`
	NodeId          FieldConfig `yaml:"NodeId,omitempty" json:"NodeId,omitempty"`
	ExpandedNodeId  FieldConfig `yaml:"ExpandedNodeId,omitempty" json:"ExpandedNodeId,omitempty"`
	ApplicationUri  FieldConfig `yaml:"MonitoredItem.ApplicationUri,omitempty" json:"MonitoredItem.ApplicationUri,omitempty"`
	DisplayName     FieldConfig `yaml:"MonitoredItem.DisplayName,omitempty" json:"MonitoredItem.DisplayName,omitempty"`
	Value           FieldConfig `yaml:"Value.Value,omitempty" json:"Value.Value,omitempty"`
	SourceTimestamp FieldConfig `yaml:"Value.SourceTimestamp,omitempty" json:"Value.SourceTimestamp,omitempty"`
	StatusCode      FieldConfig `yaml:"Value.StatusCode,omitempty" json:"Value.StatusCode,omitempty"`
	Status          FieldConfig `yaml:"Value.Status,omitempty" json:"Value.Status,omitempty"`

	// MonitoredItemFlat / ValueFlat are the two global flatten flags
	// (§4.3). Like Name, they are Defaults-only (§4.3 validation).
	MonitoredItemFlat *bool `yaml:"MonitoredItem.Flat,omitempty" json:"MonitoredItem.Flat,omitempty"`
	ValueFlat         *bool `yaml:"Value.Flat,omitempty" json:"Value.Flat,omitempty"`
}

// setsReservedFields reports whether e sets Name or either Flat flag —
// fatal when found on an endpoint-specific entry.
func (e EndpointTelemetry) setsReservedFields() bool {
	return e.Name != "" || e.MonitoredItemFlat != nil || e.ValueFlat != nil
}

// overlay layers e on top of base, field by field.
func (e EndpointTelemetry) overlay(base EndpointTelemetry) EndpointTelemetry {
	out := base
	out.EndpointUrl = e.EndpointUrl.overlay(base.EndpointUrl)
	out.NodeId = e.NodeId.overlay(base.NodeId)
	out.ExpandedNodeId = e.ExpandedNodeId.overlay(base.ExpandedNodeId)
	out.ApplicationUri = e.ApplicationUri.overlay(base.ApplicationUri)
	out.DisplayName = e.DisplayName.overlay(base.DisplayName)
	out.Value = e.Value.overlay(base.Value)
	out.SourceTimestamp = e.SourceTimestamp.overlay(base.SourceTimestamp)
	out.StatusCode = e.StatusCode.overlay(base.StatusCode)
	out.Status = e.Status.overlay(base.Status)
	return out
}

// DefaultTelemetryConfig returns the built-in defaults compatible with
// the legacy "Connected factory" downstream consumer (§4.3).
func DefaultTelemetryConfig() EndpointTelemetry {
	return EndpointTelemetry{
		EndpointUrl:       FieldConfig{Publish: boolPtr(false)},
		NodeId:            FieldConfig{Publish: boolPtr(true)},
		ExpandedNodeId:    FieldConfig{Publish: boolPtr(false)},
		ApplicationUri:    FieldConfig{Publish: boolPtr(true)},
		DisplayName:       FieldConfig{Publish: boolPtr(true)},
		Value:             FieldConfig{Publish: boolPtr(true)},
		SourceTimestamp:   FieldConfig{Publish: boolPtr(true)},
		StatusCode:        FieldConfig{Publish: boolPtr(false)},
		Status:            FieldConfig{Publish: boolPtr(false)},
		MonitoredItemFlat: boolPtr(true),
		ValueFlat:         boolPtr(false),
	}
}

// fileConfig is the on-disk shape described in §6.
type fileConfig struct {
	Defaults         EndpointTelemetry   `yaml:"Defaults" json:"Defaults"`
	EndpointSpecific []EndpointTelemetry `yaml:"EndpointSpecific" json:"EndpointSpecific"`
}

// LoadConfigFile reads a telemetry configuration file (JSON or YAML,
// detected by extension) and merges it over the built-in defaults.
// Validation failures are fatal at load time, per §7.
func LoadConfigFile(path string) (*Shaper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shaper: read %s: %w", path, err)
	}

	var fc fileConfig
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(data, &fc)
	} else {
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, fmt.Errorf("shaper: parse %s: %w", path, err)
	}

	return newShaperFromFileConfig(fc)
}

func newShaperFromFileConfig(fc fileConfig) (*Shaper, error) {
	// fc.Defaults wins over the built-in default for whatever it set, and
	// may also set Name/Flat freely.
	defaults := fc.Defaults.overlay(DefaultTelemetryConfig())

	seen := make(map[string]struct{}, len(fc.EndpointSpecific))
	perEndpoint := make(map[string]EndpointTelemetry, len(fc.EndpointSpecific))

	for _, entry := range fc.EndpointSpecific {
		if entry.ForEndpointUrl == "" {
			return nil, fmt.Errorf("%w: endpoint-specific entry missing ForEndpointUrl", domain.ErrInvalidNodeID)
		}
		key := domain.EndpointKey(entry.ForEndpointUrl)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateEndpoint, entry.ForEndpointUrl)
		}
		seen[key] = struct{}{}

		if entry.setsReservedFields() {
			return nil, fmt.Errorf("%w: %s", domain.ErrReservedFieldSet, entry.ForEndpointUrl)
		}

		resolved := entry.overlay(defaults)
		if err := compilePatterns(&resolved); err != nil {
			return nil, err
		}
		perEndpoint[key] = resolved
	}

	if err := compilePatterns(&defaults); err != nil {
		return nil, err
	}

	return &Shaper{defaults: defaults, perEndpoint: perEndpoint}, nil
}

func compilePatterns(e *EndpointTelemetry) error {
	fields := []*FieldConfig{
		&e.EndpointUrl, &e.NodeId, &e.ExpandedNodeId, &e.ApplicationUri,
		&e.DisplayName, &e.Value, &e.SourceTimestamp, &e.StatusCode, &e.Status,
	}
	for _, f := range fields {
		if f.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", domain.ErrInvalidPattern, f.Pattern, err)
		}
		f.compiled = re
	}
	return nil
}

// NewDefaultShaper returns a Shaper using only the built-in defaults, for
// deployments with no telemetry configuration file.
func NewDefaultShaper() *Shaper {
	defaults := DefaultTelemetryConfig()
	_ = compilePatterns(&defaults)
	return &Shaper{defaults: defaults, perEndpoint: map[string]EndpointTelemetry{}}
}
