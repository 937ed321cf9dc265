package shaper

import (
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// Shaper holds a resolved telemetry configuration (defaults plus any
// per-endpoint overlays) and turns MessageDataRecords into the JSON-ready
// object the hub eventually serializes.
type Shaper struct {
	defaults    EndpointTelemetry
	perEndpoint map[string]EndpointTelemetry
}

func (s *Shaper) configFor(endpointURL string) EndpointTelemetry {
	if cfg, ok := s.perEndpoint[domain.EndpointKey(endpointURL)]; ok {
		return cfg
	}
	return s.defaults
}

// rawValue wraps a field's pre-serialised textual representation and
// decides at marshal time whether it is re-quoted (PreserveQuotes) or
// passed through as a raw JSON token.
type rawValue struct {
	text  string
	quote bool
}

// MarshalJSON implements json.Marshaler for rawValue.
func (r rawValue) MarshalJSON() ([]byte, error) {
	if r.quote {
		return marshalQuoted(r.text), nil
	}
	if r.text == "" {
		return []byte("null"), nil
	}
	return []byte(r.text), nil
}

func marshalQuoted(s string) []byte {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			out = append(out, '\\', byte(r))
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, string(r)...)
		}
	}
	out = append(out, '"')
	return out
}

// Apply shapes rec according to the resolved configuration for
// endpointURL, returning a map ready for json.Marshal. Calling Apply
// twice on the same record and endpoint is idempotent: the result depends
// only on rec's fields, never on prior output.
func (s *Shaper) Apply(rec domain.MessageDataRecord, endpointURL string) map[string]interface{} {
	cfg := s.configFor(endpointURL)
	out := make(map[string]interface{})

	putTop := func(fc FieldConfig, defaultName, raw string, numeric bool) {
		if !fc.isPublish() {
			return
		}
		name := fc.Name
		if name == "" {
			name = defaultName
		}
		value := raw
		forceQuote := !numeric
		if fc.compiled != nil {
			if m := fc.compiled.FindStringSubmatch(raw); len(m) > 1 {
				concatenated := ""
				for _, g := range m[1:] {
					concatenated += g
				}
				value = concatenated
				forceQuote = true
			}
		}
		if forceQuote {
			out[name] = value
		} else {
			out[name] = rawValue{text: value, quote: false}
		}
	}

	putTop(cfg.EndpointUrl, "EndpointUrl", rec.EndpointURL, false)
	putTop(cfg.NodeId, "NodeId", rec.NodeID, false)
	putTop(cfg.ExpandedNodeId, "ExpandedNodeId", rec.ExpandedNodeID, false)

	monitoredItem := make(map[string]interface{})
	putInto := func(dst map[string]interface{}, fc FieldConfig, defaultName, raw string) {
		if !fc.isPublish() {
			return
		}
		name := fc.Name
		if name == "" {
			name = defaultName
		}
		value := raw
		if fc.compiled != nil {
			if m := fc.compiled.FindStringSubmatch(raw); len(m) > 1 {
				concatenated := ""
				for _, g := range m[1:] {
					concatenated += g
				}
				value = concatenated
			}
		}
		dst[name] = value
	}
	putInto(monitoredItem, cfg.ApplicationUri, "ApplicationUri", rec.ApplicationURI)
	putInto(monitoredItem, cfg.DisplayName, "DisplayName", rec.DisplayName)

	flatMI := cfg.MonitoredItemFlat != nil && *cfg.MonitoredItemFlat
	if len(monitoredItem) > 0 {
		if flatMI {
			for k, v := range monitoredItem {
				out[k] = v
			}
		} else {
			out["MonitoredItem"] = monitoredItem
		}
	}

	valueBlock := make(map[string]interface{})
	if cfg.Value.isPublish() {
		name := cfg.Value.Name
		if name == "" {
			name = "Value"
		}
		raw := rec.Value
		quote := rec.PreserveQuotes
		if cfg.Value.compiled != nil {
			if m := cfg.Value.compiled.FindStringSubmatch(raw); len(m) > 1 {
				concatenated := ""
				for _, g := range m[1:] {
					concatenated += g
				}
				raw = concatenated
				quote = true
			}
		}
		if quote {
			valueBlock[name] = raw
		} else {
			valueBlock[name] = rawValue{text: raw, quote: false}
		}
	}
	if cfg.SourceTimestamp.isPublish() {
		name := cfg.SourceTimestamp.Name
		if name == "" {
			name = "SourceTimestamp"
		}
		raw := rec.SourceTimestamp.UTC().Format(time.RFC3339Nano)
		if cfg.SourceTimestamp.compiled != nil {
			if m := cfg.SourceTimestamp.compiled.FindStringSubmatch(raw); len(m) > 1 {
				concatenated := ""
				for _, g := range m[1:] {
					concatenated += g
				}
				raw = concatenated
			}
		}
		valueBlock[name] = raw
	}
	if cfg.StatusCode.isPublish() {
		// StatusCode is numeric; a configured pattern has nothing to match
		// against and is not applied. cmd/publisher logs a load-time warning
		// for such a pattern on the Defaults entry; one set on an
		// endpoint-specific entry is not reported.
		name := cfg.StatusCode.Name
		if name == "" {
			name = "StatusCode"
		}
		valueBlock[name] = rec.StatusCode
	}
	if cfg.Status.isPublish() {
		name := cfg.Status.Name
		if name == "" {
			name = "Status"
		}
		raw := rec.Status
		if cfg.Status.compiled != nil {
			if m := cfg.Status.compiled.FindStringSubmatch(raw); len(m) > 1 {
				concatenated := ""
				for _, g := range m[1:] {
					concatenated += g
				}
				raw = concatenated
			}
		}
		valueBlock[name] = raw
	}

	flatVal := cfg.ValueFlat != nil && *cfg.ValueFlat
	if len(valueBlock) > 0 {
		if flatVal {
			for k, v := range valueBlock {
				out[k] = v
			}
		} else {
			out["Value"] = valueBlock
		}
	}

	return out
}

// FieldsWithIgnoredPattern returns the names of statically-numeric fields
// for which a pattern was configured (StatusCode only) so callers can log
// a load-time warning instead of silently ignoring the misconfiguration.
func (cfg EndpointTelemetry) FieldsWithIgnoredPattern() []string {
	var names []string
	if cfg.StatusCode.Pattern != "" {
		names = append(names, "Value.StatusCode")
	}
	return names
}

// DefaultsIgnoredPatternWarnings reports the same for the shaper's
// resolved default configuration.
func (s *Shaper) DefaultsIgnoredPatternWarnings() []string {
	return s.defaults.FieldsWithIgnoredPattern()
}
