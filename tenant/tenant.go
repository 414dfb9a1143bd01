// Package tenant validates tenant IDs against a configured allowlist (C2):
// loaded from TENANT_ALLOWLIST (a CSV of UUIDs) or TENANT_ALLOWLIST_PATH (a
// JSON list or file containing UUID-like tokens), with optional bounded-
// staleness hot reload.
package tenant

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/conduitlabs/ibxpub/config"
)

var uuidRE = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Reason classifies why a tenant ID was rejected, or "ok" when it passed.
type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonMalformed Reason = "malformed"
	ReasonUnknown   Reason = "unknown"
	ReasonOK        Reason = "ok"
)

// Result is the outcome of Validator.Validate.
type Result struct {
	OK     bool
	Reason Reason
}

// Validator holds the loaded allowlist and reloads it at most once per
// RefreshInterval, either by re-reading the source file's mtime (file
// source) or unconditionally (env source, since there is no mtime to check).
type Validator struct {
	mu       sync.RWMutex
	source   string // "env" | "file"
	path     string
	refresh  time.Duration
	devMode  bool
	envCSV   string
	allow    map[string]struct{}
	mtime    time.Time
	lastLoad time.Time
	nowFn    func() time.Time
}

// New builds a Validator from cfg and performs the initial load.
func New(cfg *config.Config) *Validator {
	v := &Validator{
		refresh: cfg.TenantAllowlistRefresh,
		devMode: cfg.AppEnv == "development",
		nowFn:   time.Now,
	}
	if cfg.TenantAllowlistPath != "" {
		v.source = "file"
		v.path = cfg.TenantAllowlistPath
	} else {
		v.source = "env"
		v.envCSV = strings.Join(cfg.TenantAllowlist, ",")
	}
	v.load()
	return v
}

func (v *Validator) now() time.Time {
	if v.nowFn != nil {
		return v.nowFn()
	}
	return time.Now()
}

func (v *Validator) load() {
	var raw map[string]struct{}
	var mtime time.Time
	if v.source == "file" {
		raw, mtime = readFileAllowlist(v.path)
	} else {
		raw = readEnvAllowlist(v.envCSV)
	}

	v.mu.Lock()
	v.allow = raw
	v.mtime = mtime
	v.lastLoad = v.now()
	v.mu.Unlock()
}

func (v *Validator) maybeReload() {
	if v.refresh <= 0 {
		return
	}
	v.mu.RLock()
	stale := v.now().Sub(v.lastLoad) >= v.refresh
	v.mu.RUnlock()
	if !stale {
		return
	}

	if v.source == "file" {
		info, err := os.Stat(v.path)
		if err != nil {
			return
		}
		v.mu.RLock()
		upToDate := !info.ModTime().After(v.mtime)
		v.mu.RUnlock()
		if upToDate {
			v.mu.Lock()
			v.lastLoad = v.now()
			v.mu.Unlock()
			return
		}
	}
	v.load()
}

// Validate checks uuidStr against the allowlist, reloading it first if the
// refresh interval has elapsed. An empty allowlist in development mode
// accepts any well-formed UUID — production never gets this bypass.
func (v *Validator) Validate(uuidStr string) Result {
	v.maybeReload()

	if uuidStr == "" {
		return Result{OK: false, Reason: ReasonMissing}
	}
	candidate := strings.ToLower(strings.TrimSpace(uuidStr))
	if !uuidRE.MatchString(candidate) {
		return Result{OK: false, Reason: ReasonMalformed}
	}

	v.mu.RLock()
	_, known := v.allow[candidate]
	empty := len(v.allow) == 0
	v.mu.RUnlock()

	if empty && v.devMode {
		return Result{OK: true, Reason: ReasonOK}
	}
	if !known {
		return Result{OK: false, Reason: ReasonUnknown}
	}
	return Result{OK: true, Reason: ReasonOK}
}

// Count returns the number of allowlisted tenants, reloading first.
func (v *Validator) Count() int {
	v.maybeReload()
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.allow)
}

func readEnvAllowlist(csv string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(csv, ",") {
		t := strings.ToLower(strings.TrimSpace(part))
		if t != "" && uuidRE.MatchString(t) {
			out[t] = struct{}{}
		}
	}
	return out
}

func readFileAllowlist(path string) (map[string]struct{}, time.Time) {
	out := make(map[string]struct{})
	info, err := os.Stat(path)
	if err != nil {
		return out, time.Time{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, info.ModTime()
	}

	var asList []string
	var asObject struct {
		Tenants []string `json:"tenants"`
	}
	switch {
	case json.Unmarshal(data, &asList) == nil:
		for _, t := range asList {
			addIfUUID(out, t)
		}
	case json.Unmarshal(data, &asObject) == nil && len(asObject.Tenants) > 0:
		for _, t := range asObject.Tenants {
			addIfUUID(out, t)
		}
	default:
		// Not JSON (e.g. a YAML list): fall back to scanning for UUID-shaped
		// tokens anywhere in the file.
		for _, tok := range uuidTokenRE.FindAllString(string(data), -1) {
			addIfUUID(out, tok)
		}
	}
	return out, info.ModTime()
}

var uuidTokenRE = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

func addIfUUID(out map[string]struct{}, s string) {
	t := strings.ToLower(strings.TrimSpace(s))
	if uuidRE.MatchString(t) {
		out[t] = struct{}{}
	}
}
