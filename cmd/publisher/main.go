// Package main is the entry point for the OPC Publisher bridge. It wires
// the desired-state store, the Subscription Manager, the Telemetry Shaper
// and the Hub Sender together, then serves health and metrics over HTTP
// until told to stop.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-edge/opc-publisher/internal/adapter/config"
	"github.com/nexus-edge/opc-publisher/internal/control"
	"github.com/nexus-edge/opc-publisher/internal/health"
	"github.com/nexus-edge/opc-publisher/internal/hub"
	"github.com/nexus-edge/opc-publisher/internal/metrics"
	"github.com/nexus-edge/opc-publisher/internal/nodeconfig"
	"github.com/nexus-edge/opc-publisher/internal/opcuaclient"
	"github.com/nexus-edge/opc-publisher/internal/shaper"
	"github.com/nexus-edge/opc-publisher/internal/subscription"
	"github.com/nexus-edge/opc-publisher/internal/vault"
	"github.com/nexus-edge/opc-publisher/pkg/logging"
)

const (
	serviceName    = "opc-publisher"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion, logging.Options{})
	logger.Info().Msg("starting opc publisher")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Info().Str("site", cfg.Publisher.Site).Msg("configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appVault, err := loadOrGenerateVault()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare application credential vault")
	}

	store, err := nodeconfig.LoadFromFile(cfg.Publisher.NodeConfigurationFilename, nodeconfig.Defaults{
		SamplingInterval:   cfg.Session.DefaultOpcSamplingInterval,
		PublishingInterval: cfg.Session.DefaultOpcPublishingInterval,
		HeartbeatInterval:  cfg.Session.HeartbeatIntervalDefault,
		SkipFirst:          cfg.Session.SkipFirstDefault,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load published-nodes configuration")
	}

	telemetryShaper, err := loadShaper(cfg.Telemetry.ConfigurationFilename)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load telemetry shaping configuration")
	}
	for _, field := range telemetryShaper.DefaultsIgnoredPatternWarnings() {
		logger.Warn().Str("field", field).Msg("pattern configured on a numeric telemetry field is ignored")
	}

	conn, err := deriveHubConnection(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to derive hub connection parameters")
	}

	hubSender := hub.New(hub.Config{
		QueueCapacity: cfg.Hub.MonitoredItemsQueueCapacity,
		MessageSize:   cfg.Hub.MessageSize,
		SendInterval:  cfg.Hub.SendInterval,
		BrokerURL:     conn.brokerURL,
		ClientID:      conn.clientID,
		Username:      conn.username,
		Password:      conn.password,
		Topic:         conn.topic,
	}, logger, metricsRegistry)

	if err := hubSender.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start hub sender")
	}
	defer hubSender.Stop(context.Background())

	manager := subscription.New(subscription.Config{
		SessionConnectWait:           cfg.Session.ConnectWait,
		DefaultOpcSamplingInterval:   cfg.Session.DefaultOpcSamplingInterval,
		DefaultOpcPublishingInterval: cfg.Session.DefaultOpcPublishingInterval,
		FetchOpcNodeDisplayName:      cfg.Publisher.FetchOpcNodeDisplayName,
		SuppressedStatusCodes:        cfg.Session.SuppressedOpcStatusCodes,
	}, store, opcuaclient.DefaultFactory, appVault, telemetryShaper, hubSender, metricsRegistry, logger)

	if err := manager.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start subscription manager")
	}

	controlAPI := control.New(store, manager, manager)
	_ = controlAPI // the in-process façade; wired to whichever RPC adapter is deployed (out of scope here)

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("hub", hubSender)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error stopping subscription manager")
	}
	if err := hubSender.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error stopping hub sender")
	}
	if _, err := store.SaveToFile(cfg.Publisher.NodeConfigurationFilename, store.DesiredSnapshot()); err != nil {
		logger.Error().Err(err).Msg("error persisting published-nodes configuration")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down http server")
	}

	logger.Info().Msg("opc publisher shutdown complete")
}

// hubConnection is the MQTT-shaped view of whatever message-hub identity
// the process was configured with: either a manual DeviceConnectionString
// or, in edge-module mode, the on-device edgeHub broker.
type hubConnection struct {
	brokerURL string
	clientID  string
	username  string
	password  string
	topic     string
}

// deriveHubConnection turns the configured device identity into MQTT
// connection parameters. In edge-module mode the process talks to the
// local edgeHub broker as a module; otherwise a manually-supplied
// DeviceConnectionString (HostName=...;DeviceId=...;SharedAccessKey=...)
// is turned into a SAS-token-authenticated IoT Hub MQTT connection, the
// standard device-to-cloud transport this bridge's hub endpoint stands in
// for (§1: "an IoT-cloud device/module endpoint").
func deriveHubConnection(cfg *config.Config) (hubConnection, error) {
	if cfg.EdgeModule.Populated {
		return hubConnection{
			brokerURL: "tcp://localhost:1883",
			clientID:  cfg.EdgeModule.DeviceID + "/" + cfg.EdgeModule.ModuleID,
			topic:     fmt.Sprintf("devices/%s/modules/%s/messages/events/", cfg.EdgeModule.DeviceID, cfg.EdgeModule.ModuleID),
		}, nil
	}

	if cfg.Hub.DeviceConnectionString == "" {
		return hubConnection{}, fmt.Errorf("neither edge module identity nor DeviceConnectionString is configured")
	}

	fields := map[string]string{}
	for _, part := range strings.Split(cfg.Hub.DeviceConnectionString, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}
	hostname := fields["HostName"]
	deviceID := fields["DeviceId"]
	key := fields["SharedAccessKey"]
	if hostname == "" || deviceID == "" || key == "" {
		return hubConnection{}, fmt.Errorf("DeviceConnectionString must set HostName, DeviceId and SharedAccessKey")
	}

	resourceURI := hostname + "/devices/" + deviceID
	token, err := generateSASToken(resourceURI, key, time.Hour)
	if err != nil {
		return hubConnection{}, fmt.Errorf("generate SAS token: %w", err)
	}

	return hubConnection{
		brokerURL: "ssl://" + hostname + ":8883",
		clientID:  deviceID,
		username:  hostname + "/" + deviceID + "/?api-version=2021-04-12",
		password:  token,
		topic:     fmt.Sprintf("devices/%s/messages/events/", deviceID),
	}, nil
}

// generateSASToken builds an Azure IoT Hub Shared Access Signature token:
// HMAC-SHA256 over "<url-encoded resource>\n<expiry>", signed with the
// base64-decoded shared access key.
func generateSASToken(resourceURI, base64Key string, ttl time.Duration) (string, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return "", fmt.Errorf("decode shared access key: %w", err)
	}

	expiry := time.Now().Add(ttl).Unix()
	encodedURI := url.QueryEscape(resourceURI)
	toSign := fmt.Sprintf("%s\n%d", encodedURI, expiry)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d", encodedURI, url.QueryEscape(signature), expiry), nil
}

func loadShaper(path string) (*shaper.Shaper, error) {
	if path == "" {
		return shaper.NewDefaultShaper(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return shaper.NewDefaultShaper(), nil
	}
	return shaper.LoadConfigFile(path)
}

// loadOrGenerateVault loads the application certificate's RSA keypair
// from the PEM files named by PUBLISHER_CERT_FILE/PUBLISHER_KEY_FILE, or
// generates an ephemeral keypair when neither is configured. PKI/CA
// provisioning is out of scope (§1 Non-goals); this is only the keypair
// vault.Vault wraps credentials with.
func loadOrGenerateVault() (*vault.Vault, error) {
	certFile := os.Getenv("PUBLISHER_CERT_FILE")
	keyFile := os.Getenv("PUBLISHER_KEY_FILE")

	if certFile == "" || keyFile == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral application keypair: %w", err)
		}
		return vault.New(&key.PublicKey, key), nil
	}

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load application certificate: %w", err)
	}
	priv, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("application private key is not RSA")
	}
	return vault.New(&priv.PublicKey, priv), nil
}
