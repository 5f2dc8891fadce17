package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.ChunkIntervalMS != 1000 {
		t.Fatalf("expected 1s chunk interval, got %d", cfg.Capture.ChunkIntervalMS)
	}
	if cfg.Transcription.Mode != "mock" {
		t.Fatalf("expected mock transcription default, got %q", cfg.Transcription.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_EMBEDDED", "false")
	t.Setenv("SCRIBE_CAPTURE_MODE", "mock")
	t.Setenv("SCRIBE_CAPTURE_CHUNK_INTERVAL_MS", "500")
	t.Setenv("SCRIBE_TRANSCRIPTION_MODE", "stream")
	t.Setenv("SCRIBE_TRANSCRIPTION_ENDPOINT", "wss://stt.example.com/v1")
	t.Setenv("SCRIBE_TRANSCRIPTION_LANGUAGE", "de-DE")
	t.Setenv("SCRIBE_DRAFTING_ENDPOINT", "http://drafts:9000")
	t.Setenv("SCRIBE_AUDIT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_AUDIT_STORE_RETENTION_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded bus disabled")
	}
	if cfg.Capture.Mode != "mock" {
		t.Fatalf("expected capture mode override, got %q", cfg.Capture.Mode)
	}
	if cfg.Capture.ChunkIntervalMS != 500 {
		t.Fatalf("expected chunk interval override, got %d", cfg.Capture.ChunkIntervalMS)
	}
	if cfg.Transcription.Mode != "stream" || cfg.Transcription.Endpoint != "wss://stt.example.com/v1" {
		t.Fatalf("expected transcription overrides, got %+v", cfg.Transcription)
	}
	if cfg.Transcription.Language != "de-DE" {
		t.Fatalf("expected language override, got %q", cfg.Transcription.Language)
	}
	if cfg.Drafting.Endpoint != "http://drafts:9000" {
		t.Fatalf("expected drafting endpoint override")
	}
	if cfg.AuditStore.RetentionMode != "persistent" || cfg.AuditStore.RetentionDays != 7 {
		t.Fatalf("expected audit store overrides, got %+v", cfg.AuditStore)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("SCRIBE_CAPTURE_MODE", "alsa")
	if _, err := Load(""); err == nil {
		t.Fatal("expected invalid capture mode to be rejected")
	}
}

func TestValidateStreamRequiresEndpoint(t *testing.T) {
	t.Setenv("SCRIBE_TRANSCRIPTION_MODE", "stream")
	if _, err := Load(""); err == nil {
		t.Fatal("expected stream mode without endpoint to be rejected")
	}
}
