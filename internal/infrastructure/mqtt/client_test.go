package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/phonos/internal/infrastructure/config"
)

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "phonos-test",
			TLS:      false,
		},
		Auth: config.MQTTAuthConfig{
			Username: "phonos",
			Password: "secret",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     30,
		},
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testMQTTConfig()

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("Servers count = %d, want 1", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("broker URL = %q, want tcp://127.0.0.1:1883", got)
	}
	if opts.ClientID != "phonos-test" {
		t.Errorf("ClientID = %q, want phonos-test", opts.ClientID)
	}
	if opts.Username != "phonos" || opts.Password != "secret" {
		t.Error("credentials not applied from config")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.ConnectRetryInterval != time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 1s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != 30*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 30s", opts.MaxReconnectInterval)
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig set without TLS enabled")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].Scheme; got != "ssl" {
		t.Errorf("broker scheme = %q, want ssl", got)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLSConfig = nil, want configured")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testMQTTConfig())
	configureLWT(opts, "phonos-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	statusTopic := Topics{}.SystemStatus()
	if opts.WillTopic != statusTopic {
		t.Errorf("WillTopic = %q, want %q", opts.WillTopic, statusTopic)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}
	if !strings.Contains(string(opts.WillPayload), "unexpected_disconnect") {
		t.Errorf("WillPayload = %q, want unexpected_disconnect reason", opts.WillPayload)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var status struct {
		Status    string `json:"status"`
		ClientID  string `json:"client_id"`
		Reason    string `json:"reason"`
		Timestamp string `json:"timestamp"`
	}

	payload := buildStatusPayload("phonos-test", "online", "")
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		t.Fatalf("online payload is not valid JSON: %v", err)
	}
	if status.Status != "online" || status.ClientID != "phonos-test" {
		t.Errorf("online payload = %+v", status)
	}
	if status.Reason != "" {
		t.Errorf("online payload reason = %q, want empty", status.Reason)
	}
	if _, err := time.Parse(time.RFC3339, status.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", status.Timestamp, err)
	}

	payload = buildStatusPayload("phonos-test", "offline", "graceful_shutdown")
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		t.Fatalf("offline payload is not valid JSON: %v", err)
	}
	if status.Reason != "graceful_shutdown" {
		t.Errorf("offline payload reason = %q, want graceful_shutdown", status.Reason)
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{cfg: testMQTTConfig()}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("phonos/test", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v, want ErrInvalidQoS", err)
	}
	oversized := make([]byte, maxPayloadSize+1)
	if err := c.Publish("phonos/test", oversized, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversized payload error = %v, want ErrPublishFailed", err)
	}
	if err := c.Publish("phonos/test", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected publish error = %v, want ErrNotConnected", err)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Topics{}.SystemStatus(), "phonos/system/status"},
		{Topics{}.TopologySnapshot(), "phonos/topology/snapshot"},
		{Topics{}.Group("RINCON_A"), "phonos/groups/RINCON_A"},
		{Topics{}.Device("RINCON_B"), "phonos/devices/RINCON_B"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
