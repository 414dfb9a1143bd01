package tenant_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/tenant"
)

const validUUID = "11111111-1111-1111-1111-111111111111"

func TestValidateMissing(t *testing.T) {
	cfg := config.Default()
	cfg.TenantAllowlist = []string{validUUID}
	v := tenant.New(cfg)

	if got := v.Validate(""); got.OK || got.Reason != tenant.ReasonMissing {
		t.Fatalf("got %+v, want missing", got)
	}
}

func TestValidateMalformed(t *testing.T) {
	cfg := config.Default()
	cfg.TenantAllowlist = []string{validUUID}
	v := tenant.New(cfg)

	if got := v.Validate("not-a-uuid"); got.OK || got.Reason != tenant.ReasonMalformed {
		t.Fatalf("got %+v, want malformed", got)
	}
}

func TestValidateUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.TenantAllowlist = []string{validUUID}
	v := tenant.New(cfg)

	other := "22222222-2222-2222-2222-222222222222"
	if got := v.Validate(other); got.OK || got.Reason != tenant.ReasonUnknown {
		t.Fatalf("got %+v, want unknown", got)
	}
}

func TestValidateOK(t *testing.T) {
	cfg := config.Default()
	cfg.TenantAllowlist = []string{validUUID}
	v := tenant.New(cfg)

	if got := v.Validate(validUUID); !got.OK || got.Reason != tenant.ReasonOK {
		t.Fatalf("got %+v, want ok", got)
	}
	// Case-insensitive.
	if got := v.Validate("11111111-1111-1111-1111-111111111111"); !got.OK {
		t.Fatalf("got %+v, want ok", got)
	}
}

func TestValidateDevModeBypassesEmptyAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.AppEnv = "development"
	v := tenant.New(cfg)

	if got := v.Validate(validUUID); !got.OK || got.Reason != tenant.ReasonOK {
		t.Fatalf("dev mode with empty allowlist should accept any well-formed UUID, got %+v", got)
	}
}

func TestValidateProductionRejectsWithEmptyAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.AppEnv = "production"
	v := tenant.New(cfg)

	if got := v.Validate(validUUID); got.OK {
		t.Fatalf("production with empty allowlist must not bypass, got %+v", got)
	}
}

func TestFileAllowlistJSONList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	if err := os.WriteFile(path, []byte(`["`+validUUID+`"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.TenantAllowlistPath = path
	v := tenant.New(cfg)

	if got := v.Validate(validUUID); !got.OK {
		t.Fatalf("got %+v, want ok", got)
	}
	if v.Count() != 1 {
		t.Fatalf("count = %d, want 1", v.Count())
	}
}

func TestFileAllowlistNaiveYAMLScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.yaml")
	content := "tenants:\n  - " + validUUID + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.TenantAllowlistPath = path
	v := tenant.New(cfg)

	if got := v.Validate(validUUID); !got.OK {
		t.Fatalf("got %+v, want ok (naive UUID scan over YAML)", got)
	}
}

func TestFileAllowlistHotReloadsAfterRefreshInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.TenantAllowlistPath = path
	cfg.TenantAllowlistRefresh = 10 * time.Millisecond
	v := tenant.New(cfg)

	if got := v.Validate(validUUID); got.OK {
		t.Fatalf("expected rejection before the file is updated, got %+v", got)
	}

	// Ensure the mtime advances on filesystems with coarse mtime resolution.
	future := time.Now().Add(time.Second)
	if err := os.WriteFile(path, []byte(`["`+validUUID+`"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	time.Sleep(15 * time.Millisecond)
	if got := v.Validate(validUUID); !got.OK {
		t.Fatalf("expected reload to pick up the new allowlist, got %+v", got)
	}
}
