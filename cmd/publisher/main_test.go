package main

import (
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/opc-publisher/internal/adapter/config"
)

func TestDeriveHubConnectionFromDeviceConnectionString(t *testing.T) {
	cfg := &config.Config{}
	cfg.Hub.DeviceConnectionString = "HostName=myhub.azure-devices.net;DeviceId=line1;SharedAccessKey=dGVzdGtleQ=="

	conn, err := deriveHubConnection(cfg)
	if err != nil {
		t.Fatalf("deriveHubConnection: %v", err)
	}
	if conn.brokerURL != "ssl://myhub.azure-devices.net:8883" {
		t.Fatalf("unexpected broker URL: %q", conn.brokerURL)
	}
	if conn.clientID != "line1" {
		t.Fatalf("unexpected client id: %q", conn.clientID)
	}
	if !strings.HasPrefix(conn.password, "SharedAccessSignature sr=") {
		t.Fatalf("expected a SAS token password, got %q", conn.password)
	}
}

func TestDeriveHubConnectionInEdgeModuleMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.EdgeModule.Populated = true
	cfg.EdgeModule.DeviceID = "line1"
	cfg.EdgeModule.ModuleID = "publisher"

	conn, err := deriveHubConnection(cfg)
	if err != nil {
		t.Fatalf("deriveHubConnection: %v", err)
	}
	if conn.brokerURL != "tcp://localhost:1883" {
		t.Fatalf("unexpected broker URL: %q", conn.brokerURL)
	}
	if conn.clientID != "line1/publisher" {
		t.Fatalf("unexpected client id: %q", conn.clientID)
	}
}

func TestDeriveHubConnectionRequiresSomeIdentity(t *testing.T) {
	cfg := &config.Config{}

	if _, err := deriveHubConnection(cfg); err == nil {
		t.Fatal("expected an error when neither edge identity nor DeviceConnectionString is set")
	}
}

func TestDeriveHubConnectionRejectsMalformedConnectionString(t *testing.T) {
	cfg := &config.Config{}
	cfg.Hub.DeviceConnectionString = "HostName=myhub.azure-devices.net;DeviceId=line1"

	if _, err := deriveHubConnection(cfg); err == nil {
		t.Fatal("expected an error for a connection string missing SharedAccessKey")
	}
}

func TestGenerateSASTokenAcceptsValidBase64Key(t *testing.T) {
	if _, err := generateSASToken("myhub.azure-devices.net/devices/line1", "dGVzdGtleQ==", time.Hour); err != nil {
		t.Fatalf("generateSASToken: %v", err)
	}
}

func TestGenerateSASTokenRejectsInvalidBase64Key(t *testing.T) {
	if _, err := generateSASToken("myhub.azure-devices.net/devices/line1", "not base64!!", time.Hour); err == nil {
		t.Fatal("expected an error for a non-base64 shared access key")
	}
}
