package config

import (
	"testing"
	"time"
)

func clearEdgeEnv(t *testing.T) {
	for _, k := range []string{
		"IOTEDGE_IOTHUBHOSTNAME", "IOTEDGE_MODULEGENERATIONID", "IOTEDGE_WORKLOADURI",
		"IOTEDGE_DEVICEID", "IOTEDGE_MODULEID", "_GW_PNFP", "_GW_LOGP", "CONFIG_FILE",
		"DeviceConnectionString", "SessionConnectWaitSec",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Publisher.NodeConfigurationFilename != "published_nodes.json" {
		t.Fatalf("unexpected default filename: %q", cfg.Publisher.NodeConfigurationFilename)
	}
	if cfg.Hub.MonitoredItemsQueueCapacity != 8192 {
		t.Fatalf("unexpected default queue capacity: %d", cfg.Hub.MonitoredItemsQueueCapacity)
	}
	if cfg.Logging.LogLevel != "info" {
		t.Fatalf("unexpected default log level: %q", cfg.Logging.LogLevel)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("unexpected default HTTP port: %d", cfg.HTTP.Port)
	}
}

func TestLoadRejectsShortSessionConnectWait(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "5")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for SessionConnectWaitSec below 10")
	}
}

func TestLoadRejectsUndersizedQueueCapacity(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("MonitoredItemsQueueCapacity", "100")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for MonitoredItemsQueueCapacity below 1024")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("LogLevel", "noisy")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unrecognised LogLevel")
	}
}

func TestLoadRejectsPublishingIntervalBelowSampling(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("DefaultOpcSamplingInterval", "2000")
	t.Setenv("DefaultOpcPublishingInterval", "1000")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when the publishing interval is below the sampling interval")
	}
}

func TestLoadAllowsZeroPublishingIntervalRegardlessOfSampling(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("DefaultOpcSamplingInterval", "2000")
	t.Setenv("DefaultOpcPublishingInterval", "0")

	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadParsesSuppressedStatusCodes(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("SuppressedOpcStatusCodes", "BadNoCommunication,0x80340000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Session.SuppressedOpcStatusCodes.Contains(0x80310000) {
		t.Fatal("expected BadNoCommunication to be in the suppressed set")
	}
	if !cfg.Session.SuppressedOpcStatusCodes.Contains(0x80340000) {
		t.Fatal("expected the hex code to be in the suppressed set")
	}
}

func TestLoadRejectsUnrecognisedStatusCode(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("SuppressedOpcStatusCodes", "NotARealStatusCode")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unrecognised status code")
	}
}

func TestLoadDetectsEdgeModuleMode(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("IOTEDGE_IOTHUBHOSTNAME", "myhub.azure-devices.net")
	t.Setenv("IOTEDGE_MODULEGENERATIONID", "gen1")
	t.Setenv("IOTEDGE_WORKLOADURI", "unix:///var/run/iotedge/workload.sock")
	t.Setenv("IOTEDGE_DEVICEID", "device1")
	t.Setenv("IOTEDGE_MODULEID", "publisher")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.EdgeModule.Populated {
		t.Fatal("expected edge module mode to be detected when all five IOTEDGE_* vars are set")
	}
}

func TestLoadRejectsDeviceConnectionStringInEdgeMode(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("IOTEDGE_IOTHUBHOSTNAME", "myhub.azure-devices.net")
	t.Setenv("IOTEDGE_MODULEGENERATIONID", "gen1")
	t.Setenv("IOTEDGE_WORKLOADURI", "unix:///var/run/iotedge/workload.sock")
	t.Setenv("IOTEDGE_DEVICEID", "device1")
	t.Setenv("IOTEDGE_MODULEID", "publisher")
	t.Setenv("DeviceConnectionString", "HostName=myhub;DeviceId=device1;SharedAccessKey=abc")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when DeviceConnectionString is set in edge module mode")
	}
}

func TestLoadAppliesPathOverrides(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("_GW_PNFP", "/run/secrets/published_nodes.json")
	t.Setenv("_GW_LOGP", "/var/log/publisher.log")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Publisher.NodeConfigurationFilename != "/run/secrets/published_nodes.json" {
		t.Fatalf("unexpected published-nodes path: %q", cfg.Publisher.NodeConfigurationFilename)
	}
	if cfg.Logging.LogFileName != "/var/log/publisher.log" {
		t.Fatalf("unexpected log path: %q", cfg.Logging.LogFileName)
	}
}

func TestLoadTreatsDiagnosticsIntervalMinusOneAsFullyOff(t *testing.T) {
	clearEdgeEnv(t)
	t.Setenv("SessionConnectWaitSec", "30")
	t.Setenv("DiagnosticsInterval", "-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Logging.DiagnosticsIntervalOff {
		t.Fatal("expected DiagnosticsIntervalOff to be set for DiagnosticsInterval=-1")
	}
	if cfg.Logging.DiagnosticsInterval != -1*time.Second {
		t.Fatalf("unexpected DiagnosticsInterval: %v", cfg.Logging.DiagnosticsInterval)
	}
}
