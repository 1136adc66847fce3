package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validProxyYAML = `
header_selector: x-nylon-proxy

services:
  - name: web
    service_type: http
    algorithm: round_robin
    endpoints:
      - ip: 127.0.0.1
        port: 8080
    health_check:
      enabled: true
      path: /healthz
      interval: 5s
      timeout: 1s
      healthy_threshold: 2
      unhealthy_threshold: 3

routes:
  - route:
      type: host
      value: example.com
    name: app
    paths:
      - path: /
        path_type: prefix
        service:
          name: web
`

func TestParseAndValidate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(validProxyYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ProxyFromDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.HeaderSelector != "x-nylon-proxy" {
		t.Errorf("header selector: got %q", cfg.HeaderSelector)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Name != "web" {
		t.Fatalf("unexpected services: %+v", cfg.Services)
	}
	if cfg.Services[0].Endpoints[0].Port != 8080 {
		t.Errorf("endpoint port: got %d", cfg.Services[0].Endpoints[0].Port)
	}
	if !cfg.Routes[0].Paths[0].IsPrefix() {
		t.Error("expected prefix path")
	}
}

func TestMergeConcatenatesAndLastWriteWins(t *testing.T) {
	a := &ProxyConfig{
		HeaderSelector: "x-a",
		Services:       []ServiceItem{{Name: "a"}},
		Routes:         []RouteConfig{{Name: "ra"}},
	}
	b := &ProxyConfig{
		HeaderSelector: "x-b",
		Services:       []ServiceItem{{Name: "b"}},
		MiddlewareGroups: map[string][]MiddlewareItem{
			"g": {{Plugin: "p"}},
		},
	}

	a.Merge(b)

	if a.HeaderSelector != "x-b" {
		t.Errorf("scalar should be last-write-wins, got %q", a.HeaderSelector)
	}
	if len(a.Services) != 2 {
		t.Errorf("services should concatenate, got %d", len(a.Services))
	}
	if len(a.Routes) != 1 {
		t.Errorf("routes: got %d", len(a.Routes))
	}
	if len(a.MiddlewareGroups["g"]) != 1 {
		t.Error("middleware groups should merge")
	}
}

func TestMergeEmptyIsIdentity(t *testing.T) {
	a := &ProxyConfig{
		HeaderSelector: "x-a",
		Services:       []ServiceItem{{Name: "a"}},
	}
	a.Merge(&ProxyConfig{})
	if a.HeaderSelector != "x-a" || len(a.Services) != 1 {
		t.Errorf("merge with empty changed config: %+v", a)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProxyConfig
	}{
		{
			"duplicate service names",
			ProxyConfig{Services: []ServiceItem{
				{Name: "dup", ServiceType: ServiceStatic, Static: &StaticConfig{Root: "/srv"}},
				{Name: "dup", ServiceType: ServiceStatic, Static: &StaticConfig{Root: "/srv"}},
			}},
		},
		{
			"zero port",
			ProxyConfig{Services: []ServiceItem{
				{Name: "s", ServiceType: ServiceHTTP, Endpoints: []Endpoint{{IP: "127.0.0.1", Port: 0}}},
			}},
		},
		{
			"bad endpoint ip",
			ProxyConfig{Services: []ServiceItem{
				{Name: "s", ServiceType: ServiceHTTP, Endpoints: []Endpoint{{IP: "not-an-ip", Port: 80}}},
			}},
		},
		{
			"undeclared plugin",
			ProxyConfig{Services: []ServiceItem{
				{Name: "s", ServiceType: ServicePlugin, Plugin: &PluginRef{Name: "ghost", Entry: "main"}},
			}},
		},
		{
			"route to unknown service",
			ProxyConfig{Routes: []RouteConfig{
				{Name: "r", Route: RouteMatcher{Kind: "host", Value: "a"},
					Paths: []PathConfig{{Path: "/", Service: ServiceRef{Name: "missing"}}}},
			}},
		},
		{
			"bad health interval",
			ProxyConfig{Services: []ServiceItem{
				{Name: "s", ServiceType: ServiceHTTP,
					Endpoints:   []Endpoint{{IP: "127.0.0.1", Port: 80}},
					HealthCheck: &HealthCheck{Enabled: true, Path: "/", Interval: "fast", Timeout: "1s", HealthyThreshold: 1, UnhealthyThreshold: 1}},
			}},
		},
		{
			"bad matcher kind",
			ProxyConfig{Routes: []RouteConfig{
				{Name: "r", Route: RouteMatcher{Kind: "cookie", Value: "a"}},
			}},
		},
	}

	for _, tt := range tests {
		if err := tt.cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestParseSeconds(t *testing.T) {
	if d, err := ParseSeconds("5s"); err != nil || d != 5*time.Second {
		t.Errorf("5s: got %v err=%v", d, err)
	}
	if d, err := ParseSeconds("10"); err != nil || d != 10*time.Second {
		t.Errorf("bare 10: got %v err=%v", d, err)
	}
	for _, bad := range []string{"0s", "-1s", "1m", "fast", ""} {
		if _, err := ParseSeconds(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestRuntimeDefaults(t *testing.T) {
	cfg, err := ParseRuntime([]byte("http:\n  - 0.0.0.0:8088\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.GracePeriodSeconds != 60 {
		t.Errorf("grace period default: got %d", cfg.Server.GracePeriodSeconds)
	}
	if cfg.Server.GracefulShutdownTimeoutSeconds != 10 {
		t.Errorf("shutdown timeout default: got %d", cfg.Server.GracefulShutdownTimeoutSeconds)
	}
	if cfg.Server.Threads < 1 || cfg.Server.Threads > 16 {
		t.Errorf("threads out of range: %d", cfg.Server.Threads)
	}
	if cfg.ConfigDir != "/etc/nylon/config" {
		t.Errorf("config dir default: got %q", cfg.ConfigDir)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("NYLON_TEST_PORT", "9090")
	cfg, err := ParseRuntime([]byte("http:\n  - 127.0.0.1:${NYLON_TEST_PORT}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP[0] != "127.0.0.1:9090" {
		t.Errorf("env not expanded: %q", cfg.HTTP[0])
	}
}
