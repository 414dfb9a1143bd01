package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conduitlabs/ibxpub/config"
)

func TestDefaultPassesValidate(t *testing.T) {
	c := config.Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadPublishTransport(t *testing.T) {
	c := config.Default()
	c.PublishTransport = "carrier-pigeon"
	if err := c.Validate(); err == nil {
		t.Fatal("expected rejection of unknown publish transport")
	}
}

func TestValidateRequiresWebhookURLForWebhookTransport(t *testing.T) {
	c := config.Default()
	c.PublishTransport = "webhook"
	if err := c.Validate(); err == nil {
		t.Fatal("expected rejection of webhook transport without WEBHOOK_URL")
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("MAX_UPLOAD_MB", "5")
	t.Setenv("WORKER_BATCH_SIZE", "7")
	t.Setenv("PUBLISH_TRANSPORT", "webhook")
	t.Setenv("WEBHOOK_URL", "https://hooks.example/ibx")
	t.Setenv("MIME_ALLOWLIST", "application/pdf, image/png")

	c, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.MaxUploadMB != 5 {
		t.Fatalf("MaxUploadMB = %d, want 5", c.MaxUploadMB)
	}
	if c.WorkerBatchSize != 7 {
		t.Fatalf("WorkerBatchSize = %d, want 7", c.WorkerBatchSize)
	}
	if c.PublishTransport != "webhook" {
		t.Fatalf("PublishTransport = %s, want webhook", c.PublishTransport)
	}
	if len(c.MIMEAllowlist) != 2 {
		t.Fatalf("MIMEAllowlist = %v, want 2 entries", c.MIMEAllowlist)
	}
}

func TestBackoffForIndexesOrderedSteps(t *testing.T) {
	steps := []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 30 * time.Second},
		{3, 300 * time.Second},
		{4, 300 * time.Second}, // clamps to the last step
		{0, 5 * time.Second},   // clamps to the first step
	}
	for _, c := range cases {
		if got := config.BackoffFor(steps, c.attempt); got != c.want {
			t.Fatalf("BackoffFor(steps, %d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffForEmptyStepsReturnsZero(t *testing.T) {
	if got := config.BackoffFor(nil, 1); got != 0 {
		t.Fatalf("BackoffFor(nil, 1) = %v, want 0", got)
	}
}

func TestLoadFileAppliesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ibxpub.yaml")
	content := "max_upload_mb: 42\napp_env: development\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if c.MaxUploadMB != 42 {
		t.Fatalf("MaxUploadMB = %d, want 42", c.MaxUploadMB)
	}
	if c.AppEnv != "development" {
		t.Fatalf("AppEnv = %s, want development", c.AppEnv)
	}
	// Fields absent from the file keep their Default() value.
	if c.WorkerBatchSize != config.Default().WorkerBatchSize {
		t.Fatalf("WorkerBatchSize = %d, want default %d", c.WorkerBatchSize, config.Default().WorkerBatchSize)
	}
}
