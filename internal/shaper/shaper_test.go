package shaper

import (
	"reflect"
	"testing"
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

func sampleRecord() domain.MessageDataRecord {
	return domain.MessageDataRecord{
		EndpointURL:     "opc.tcp://plc.local:4840",
		NodeID:          "ns=2;s=Temperature",
		ExpandedNodeID:  "nsu=http://example.org;s=Temperature",
		ApplicationURI:  "urn:plc:application",
		DisplayName:     "Temperature",
		Value:           "42.5",
		SourceTimestamp: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		StatusCode:      0,
		Status:          "Good",
		PreserveQuotes:  false,
	}
}

func TestDefaultShaperFlattensMonitoredItemOnly(t *testing.T) {
	s := NewDefaultShaper()
	out := s.Apply(sampleRecord(), "opc.tcp://plc.local:4840")

	if _, ok := out["EndpointUrl"]; ok {
		t.Fatalf("EndpointUrl should be suppressed by default")
	}
	if out["NodeId"] != "ns=2;s=Temperature" {
		t.Fatalf("NodeId = %v", out["NodeId"])
	}
	// MonitoredItem is flattened by default.
	if out["ApplicationUri"] != "urn:plc:application" {
		t.Fatalf("ApplicationUri not flattened: %v", out)
	}
	if out["DisplayName"] != "Temperature" {
		t.Fatalf("DisplayName not flattened: %v", out)
	}
	if _, ok := out["MonitoredItem"]; ok {
		t.Fatalf("MonitoredItem block should not exist when flattened")
	}
	// Value is nested by default.
	valueBlock, ok := out["Value"].(map[string]interface{})
	if !ok {
		t.Fatalf("Value should be a nested block, got %v", out["Value"])
	}
	if rv, ok := valueBlock["Value"].(rawValue); !ok || rv.text != "42.5" || rv.quote {
		t.Fatalf("Value.Value = %v, want unquoted raw 42.5", valueBlock["Value"])
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	s := NewDefaultShaper()
	rec := sampleRecord()
	first := s.Apply(rec, rec.EndpointURL)
	second := s.Apply(rec, rec.EndpointURL)

	if len(first) != len(second) {
		t.Fatalf("non-idempotent output: %v vs %v", first, second)
	}
	for k, v := range first {
		if !reflect.DeepEqual(second[k], v) {
			t.Fatalf("key %s differs between calls: %v vs %v", k, v, second[k])
		}
	}
}

func TestEndpointSpecificOverlayOnlyOverridesSetFields(t *testing.T) {
	fc := fileConfig{
		Defaults: EndpointTelemetry{
			EndpointUrl: FieldConfig{Publish: boolPtr(false)},
		},
		EndpointSpecific: []EndpointTelemetry{
			{
				ForEndpointUrl: "opc.tcp://plc.local:4840",
				EndpointUrl:    FieldConfig{Publish: boolPtr(true)},
			},
		},
	}
	s, err := newShaperFromFileConfig(fc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out := s.Apply(sampleRecord(), "opc.tcp://plc.local:4840")
	if out["EndpointUrl"] != "opc.tcp://plc.local:4840" {
		t.Fatalf("endpoint-specific override not applied: %v", out)
	}

	// NodeId was never set on this endpoint's entry, so it should still
	// inherit the built-in default (publish=true).
	if out["NodeId"] != "ns=2;s=Temperature" {
		t.Fatalf("NodeId should inherit default: %v", out)
	}

	// An unrelated endpoint falls back to Defaults untouched.
	otherOut := s.Apply(sampleRecord(), "opc.tcp://other.local:4840")
	if _, ok := otherOut["EndpointUrl"]; ok {
		t.Fatalf("unrelated endpoint should not see the override: %v", otherOut)
	}
}

func TestEndpointSpecificCannotSetNameOrFlat(t *testing.T) {
	fc := fileConfig{
		EndpointSpecific: []EndpointTelemetry{
			{ForEndpointUrl: "opc.tcp://plc.local:4840", Name: "bad"},
		},
	}
	if _, err := newShaperFromFileConfig(fc); err == nil {
		t.Fatalf("expected error for endpoint-specific Name")
	}

	fc2 := fileConfig{
		EndpointSpecific: []EndpointTelemetry{
			{ForEndpointUrl: "opc.tcp://plc.local:4840", MonitoredItemFlat: boolPtr(false)},
		},
	}
	if _, err := newShaperFromFileConfig(fc2); err == nil {
		t.Fatalf("expected error for endpoint-specific Flat")
	}
}

func TestDuplicateEndpointSpecificEntryRejected(t *testing.T) {
	fc := fileConfig{
		EndpointSpecific: []EndpointTelemetry{
			{ForEndpointUrl: "opc.tcp://plc.local:4840"},
			{ForEndpointUrl: "OPC.TCP://PLC.LOCAL:4840"},
		},
	}
	if _, err := newShaperFromFileConfig(fc); err == nil {
		t.Fatalf("expected duplicate-endpoint error")
	}
}

func TestInvalidPatternRejectedAtLoad(t *testing.T) {
	fc := fileConfig{
		Defaults: EndpointTelemetry{
			DisplayName: FieldConfig{Publish: boolPtr(true), Pattern: "(unterminated"},
		},
	}
	if _, err := newShaperFromFileConfig(fc); err == nil {
		t.Fatalf("expected invalid-pattern error")
	}
}

func TestPatternConcatenatesCaptureGroups(t *testing.T) {
	fc := fileConfig{
		Defaults: EndpointTelemetry{
			DisplayName: FieldConfig{Publish: boolPtr(true), Pattern: `^(\w+)-(\w+)$`},
		},
	}
	s, err := newShaperFromFileConfig(fc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rec := sampleRecord()
	rec.DisplayName = "Boiler-Temperature"
	out := s.Apply(rec, rec.EndpointURL)

	if out["DisplayName"] != "BoilerTemperature" {
		t.Fatalf("DisplayName = %v, want concatenated groups", out["DisplayName"])
	}
}

func TestValueFlattenPlacesFieldsAtTopLevel(t *testing.T) {
	fc := fileConfig{
		Defaults: EndpointTelemetry{
			ValueFlat: boolPtr(true),
		},
	}
	s, err := newShaperFromFileConfig(fc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out := s.Apply(sampleRecord(), "opc.tcp://plc.local:4840")
	if _, ok := out["Value"].(map[string]interface{}); ok {
		t.Fatalf("Value should be flattened, not nested: %v", out)
	}
	if rv, ok := out["Value"].(rawValue); !ok || rv.text != "42.5" || rv.quote {
		t.Fatalf("flattened Value = %v, want unquoted raw 42.5", out["Value"])
	}
}
