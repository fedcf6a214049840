package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("call committed", "call_id", "abc")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "call_id"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("expected key %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" {
		t.Fatalf("unexpected severity %v", line["severity"])
	}
}

func TestSetupWithFileWritesToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletd.log")
	logger, closer := SetupWithFile("walletd", "test", FileOptions{Path: path})
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !bytes.Contains(data, []byte(`"service":"walletd"`)) {
		t.Fatalf("expected service attribute, got %s", data)
	}
}

func TestMaskFieldRedactsSecrets(t *testing.T) {
	if got := MaskField("passphrase", "hunter2"); got.Value.String() != RedactedValue {
		t.Fatalf("expected passphrase to be redacted, got %q", got.Value.String())
	}
	if got := MaskField("call_id", "abc"); got.Value.String() != "abc" {
		t.Fatalf("expected allowlisted key to pass through, got %q", got.Value.String())
	}
	if got := MaskField("signature", ""); got.Value.String() != "" {
		t.Fatalf("expected empty value to stay empty")
	}
}

func TestCredentialsNeverAllowlisted(t *testing.T) {
	for key := range credentialKeys {
		if IsAllowlisted(key) {
			t.Fatalf("credential key %q must not be allowlisted", key)
		}
		if got := MaskField(key, "value"); got.Value.String() != RedactedValue {
			t.Fatalf("credential key %q was not masked", key)
		}
	}
	for _, key := range []string{"client", " Passphrase "} {
		if IsAllowlisted(key) {
			t.Fatalf("key %q reported as allowlisted", key)
		}
	}
}

func TestHandlerMasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("relay received",
		"signature", "0xdeadbeef",
		slog.Group("tx", slog.String("owner_pubkey", "0x02ab"), slog.Uint64("nonce", 3)),
		"passphrase", "",
		"call_id", "abc")

	var line struct {
		Signature  string `json:"signature"`
		Passphrase string `json:"passphrase"`
		CallID     string `json:"call_id"`
		Tx         struct {
			OwnerPubKey string `json:"owner_pubkey"`
			Nonce       uint64 `json:"nonce"`
		} `json:"tx"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line.Signature != RedactedValue || line.Tx.OwnerPubKey != RedactedValue {
		t.Fatalf("credentials leaked: %s", buf.String())
	}
	if line.Passphrase != "" || line.CallID != "abc" || line.Tx.Nonce != 3 {
		t.Fatalf("unexpected line %s", buf.String())
	}
}
