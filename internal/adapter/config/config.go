// Package config loads and validates the process's static configuration
// (§6): the recognised environment variables, the optional config file,
// and the handful of cross-field rules that must hold before anything
// else starts. Nothing outside this package reads viper directly — Load
// returns a plain Config value the rest of the process is constructed
// from, so there is exactly one place that ever touches process-wide
// configuration state.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// Config is the complete process configuration.
type Config struct {
	Publisher PublisherConfig
	Session   SessionConfig
	Hub       HubConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
	HTTP      HTTPConfig
	EdgeModule EdgeModuleConfig
}

// PublisherConfig identifies the process and the desired-state file it
// loads on startup.
type PublisherConfig struct {
	NodeConfigurationFilename string
	Site                      string
	AutoAcceptCerts           bool
	FetchOpcNodeDisplayName   bool
}

// SessionConfig governs OPC UA session/subscription lifecycle defaults.
type SessionConfig struct {
	ConnectWait                  time.Duration
	DefaultOpcSamplingInterval   time.Duration
	DefaultOpcPublishingInterval time.Duration
	HeartbeatIntervalDefault     time.Duration
	SkipFirstDefault             bool
	SuppressedOpcStatusCodes     domain.StatusCodeSet
}

// HubConfig governs the queue and batching behaviour of the Hub Sender.
type HubConfig struct {
	MonitoredItemsQueueCapacity int
	MessageSize                 int
	SendInterval                time.Duration
	DeviceConnectionString      string
}

// TelemetryConfig points at the optional per-endpoint field-shaping file.
type TelemetryConfig struct {
	ConfigurationFilename string
}

// LoggingConfig governs the root logger and the diagnostics log.
type LoggingConfig struct {
	LogFileName             string
	LogFileFlushTimeSpan    time.Duration
	LogLevel                string
	DiagnosticsInterval     time.Duration
	DiagnosticsIntervalOff  bool // DiagnosticsInterval == -1: all diagnostics off
}

// HTTPConfig governs the ambient health/metrics HTTP surface.
type HTTPConfig struct {
	Port int
}

// EdgeModuleConfig carries the IoT-edge module identity, when present.
// Populated is false unless every one of the five IOTEDGE_* variables is
// set, per §6's edge-module-mode detection rule.
type EdgeModuleConfig struct {
	Populated           bool
	IoTHubHostname       string
	ModuleGenerationID   string
	WorkloadURI          string
	DeviceID             string
	ModuleID             string
}

var validLogLevels = map[string]bool{
	"fatal": true, "error": true, "warn": true, "info": true, "debug": true, "verbose": true,
}

// Load reads the process configuration from environment variables (and,
// if set, the file named by the CONFIG_FILE environment variable),
// applies defaults, then validates it. A non-nil error here is fatal:
// the caller should exit with status 1 (§6).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := &Config{
		Publisher: PublisherConfig{
			NodeConfigurationFilename: v.GetString("publisher_node_configuration_filename"),
			Site:                      v.GetString("publisher_site"),
			AutoAcceptCerts:           v.GetBool("auto_accept_certs"),
			FetchOpcNodeDisplayName:   v.GetBool("fetch_opc_node_display_name"),
		},
		Session: SessionConfig{
			ConnectWait:                  time.Duration(v.GetInt("session_connect_wait_sec")) * time.Second,
			DefaultOpcSamplingInterval:   time.Duration(v.GetInt("default_opc_sampling_interval")) * time.Millisecond,
			DefaultOpcPublishingInterval: time.Duration(v.GetInt("default_opc_publishing_interval")) * time.Millisecond,
			HeartbeatIntervalDefault:     time.Duration(v.GetInt("heartbeat_interval_default")) * time.Second,
			SkipFirstDefault:             v.GetBool("skip_first_default"),
		},
		Hub: HubConfig{
			MonitoredItemsQueueCapacity: v.GetInt("monitored_items_queue_capacity"),
			MessageSize:                 v.GetInt("hub_message_size"),
			SendInterval:                time.Duration(v.GetInt("default_send_interval_seconds")) * time.Second,
			DeviceConnectionString:      v.GetString("device_connection_string"),
		},
		Telemetry: TelemetryConfig{
			ConfigurationFilename: v.GetString("telemetry_configuration_filename"),
		},
		Logging: LoggingConfig{
			LogFileName:          v.GetString("log_file_name"),
			LogFileFlushTimeSpan: time.Duration(v.GetInt("log_file_flush_time_span_sec")) * time.Second,
			LogLevel:             strings.ToLower(v.GetString("log_level")),
			DiagnosticsInterval:  time.Duration(v.GetInt("diagnostics_interval")) * time.Second,
		},
		HTTP: HTTPConfig{
			Port: v.GetInt("http_port"),
		},
	}

	suppressed, err := domain.ParseStatusCodeSet(v.GetString("suppressed_opc_status_codes"))
	if err != nil {
		return nil, fmt.Errorf("config: SuppressedOpcStatusCodes: %w", err)
	}
	cfg.Session.SuppressedOpcStatusCodes = suppressed

	applyPathOverrides(cfg)
	applyEdgeModule(cfg)

	if di := v.GetInt("diagnostics_interval"); di == -1 {
		cfg.Logging.DiagnosticsIntervalOff = true
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// bindEnv wires every recognised option to its environment variable name
// (§6); AutomaticEnv alone would also work for the exact-uppercase forms,
// but explicit BindEnv calls make the recognised set self-documenting and
// let us accept the spec's exact casing regardless of Viper's key
// normalisation.
func bindEnv(v *viper.Viper) {
	binds := map[string]string{
		"publisher_node_configuration_filename": "PublisherNodeConfigurationFilename",
		"publisher_site":                        "PublisherSite",
		"session_connect_wait_sec":              "SessionConnectWaitSec",
		"monitored_items_queue_capacity":         "MonitoredItemsQueueCapacity",
		"diagnostics_interval":                   "DiagnosticsInterval",
		"log_file_name":                          "LogFileName",
		"log_file_flush_time_span_sec":           "LogFileFlushTimeSpanSec",
		"log_level":                              "LogLevel",
		"hub_message_size":                       "HubMessageSize",
		"default_send_interval_seconds":          "DefaultSendIntervalSeconds",
		"device_connection_string":               "DeviceConnectionString",
		"heartbeat_interval_default":              "HeartbeatIntervalDefault",
		"skip_first_default":                      "SkipFirstDefault",
		"default_opc_sampling_interval":           "DefaultOpcSamplingInterval",
		"default_opc_publishing_interval":         "DefaultOpcPublishingInterval",
		"auto_accept_certs":                       "AutoAcceptCerts",
		"fetch_opc_node_display_name":              "FetchOpcNodeDisplayName",
		"suppressed_opc_status_codes":              "SuppressedOpcStatusCodes",
		"telemetry_configuration_filename":         "TelemetryConfigurationFilename",
		"http_port":                                "HTTP_PORT",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("publisher_node_configuration_filename", "published_nodes.json")
	v.SetDefault("session_connect_wait_sec", 30)
	v.SetDefault("monitored_items_queue_capacity", 8192)
	v.SetDefault("diagnostics_interval", 3600)
	v.SetDefault("log_file_flush_time_span_sec", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("hub_message_size", 262144)
	v.SetDefault("default_send_interval_seconds", 10)
	v.SetDefault("heartbeat_interval_default", 0)
	v.SetDefault("skip_first_default", false)
	v.SetDefault("default_opc_sampling_interval", 1000)
	v.SetDefault("default_opc_publishing_interval", 1000)
	v.SetDefault("auto_accept_certs", false)
	v.SetDefault("fetch_opc_node_display_name", false)
	v.SetDefault("http_port", 8080)
}

// applyPathOverrides applies the two "external collaborator" environment
// variables that override a file path outside the normal option set:
// _GW_PNFP for the published-nodes file, _GW_LOGP for the log file.
func applyPathOverrides(cfg *Config) {
	if p := os.Getenv("_GW_PNFP"); p != "" {
		cfg.Publisher.NodeConfigurationFilename = p
	}
	if p := os.Getenv("_GW_LOGP"); p != "" {
		cfg.Logging.LogFileName = p
	}
}

// applyEdgeModule detects IoT-edge module mode: all five IOTEDGE_*
// variables must be present for the process to consider itself
// edge-hosted (§6).
func applyEdgeModule(cfg *Config) {
	hostname := os.Getenv("IOTEDGE_IOTHUBHOSTNAME")
	genID := os.Getenv("IOTEDGE_MODULEGENERATIONID")
	workload := os.Getenv("IOTEDGE_WORKLOADURI")
	deviceID := os.Getenv("IOTEDGE_DEVICEID")
	moduleID := os.Getenv("IOTEDGE_MODULEID")

	if hostname == "" || genID == "" || workload == "" || deviceID == "" || moduleID == "" {
		return
	}

	cfg.EdgeModule = EdgeModuleConfig{
		Populated:          true,
		IoTHubHostname:     hostname,
		ModuleGenerationID: genID,
		WorkloadURI:        workload,
		DeviceID:           deviceID,
		ModuleID:           moduleID,
	}
}

func validate(cfg *Config) error {
	if cfg.Publisher.NodeConfigurationFilename == "" {
		return fmt.Errorf("PublisherNodeConfigurationFilename must not be empty")
	}
	if cfg.Publisher.Site != "" {
		if err := validateDNSHostname(cfg.Publisher.Site); err != nil {
			return fmt.Errorf("PublisherSite: %w", err)
		}
	}
	if cfg.Session.ConnectWait <= 10*time.Second {
		return fmt.Errorf("SessionConnectWaitSec must be greater than 10")
	}
	if cfg.Hub.MonitoredItemsQueueCapacity < 1024 {
		return fmt.Errorf("MonitoredItemsQueueCapacity must be at least 1024")
	}
	di := int(cfg.Logging.DiagnosticsInterval / time.Second)
	if di < -1 {
		return fmt.Errorf("DiagnosticsInterval must be -1, 0, or a positive number of seconds")
	}
	if cfg.Logging.LogFileFlushTimeSpan <= 0 {
		return fmt.Errorf("LogFileFlushTimeSpanSec must be greater than 0")
	}
	if !validLogLevels[cfg.Logging.LogLevel] {
		return fmt.Errorf("LogLevel must be one of fatal, error, warn, info, debug, verbose, got %q", cfg.Logging.LogLevel)
	}
	if cfg.Hub.MessageSize < 0 || cfg.Hub.MessageSize > 262144 {
		return fmt.Errorf("HubMessageSize must be between 0 and 262144")
	}
	if cfg.Hub.SendInterval < 0 {
		return fmt.Errorf("DefaultSendIntervalSeconds must not be negative")
	}
	if cfg.EdgeModule.Populated && cfg.Hub.DeviceConnectionString != "" {
		return fmt.Errorf("DeviceConnectionString must not be set when running as an IoT Edge module")
	}
	hb := cfg.Session.HeartbeatIntervalDefault
	if hb < 0 || hb > 86400*time.Second {
		return fmt.Errorf("HeartbeatIntervalDefault must be between 0 and 86400")
	}
	if cfg.Session.DefaultOpcPublishingInterval > 0 &&
		cfg.Session.DefaultOpcPublishingInterval < cfg.Session.DefaultOpcSamplingInterval {
		return fmt.Errorf("DefaultOpcPublishingInterval must be at least DefaultOpcSamplingInterval")
	}
	return nil
}

// validateDNSHostname applies a conservative RFC 1123 label check: the
// site name ends up in outgoing telemetry, not in DNS resolution, but the
// specification calls for hostname-shaped values only.
func validateDNSHostname(s string) error {
	if len(s) > 253 {
		return fmt.Errorf("exceeds 253 characters")
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid label %q", label)
		}
		for i, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			isDash := r == '-'
			if !isAlnum && !(isDash && i != 0 && i != len(label)-1) {
				return fmt.Errorf("invalid character %q in label %q", r, label)
			}
		}
	}
	return nil
}
