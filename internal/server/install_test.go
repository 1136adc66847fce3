package server

import (
	"testing"

	"github.com/AssetsArt/nylon/internal/backend"
	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/route"
	"github.com/AssetsArt/nylon/internal/store"
)

func generation(host string, port uint16) *config.ProxyConfig {
	return &config.ProxyConfig{
		Services: []config.ServiceItem{{
			Name: "web", ServiceType: config.ServiceHTTP, Algorithm: config.AlgoRoundRobin,
			Endpoints: []config.Endpoint{{IP: "127.0.0.1", Port: port}},
		}},
		Routes: []config.RouteConfig{{
			Name:  "r",
			Route: config.RouteMatcher{Kind: "host", Value: host},
			Paths: []config.PathConfig{{Path: "/", PathType: "prefix", Service: config.ServiceRef{Name: "web"}}},
		}},
	}
}

func TestInstallAndAtomicSwap(t *testing.T) {
	store.Reset()
	backend.ClearCache()

	if err := InstallProxyConfig(generation("one.example", 8081), ""); err != nil {
		t.Fatal(err)
	}

	oldTable, err := route.ActiveTable()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := oldTable.FindRoute(route.RequestInfo{Host: "one.example", Path: "/", Method: "GET"}); err != nil {
		t.Fatal("generation one should route one.example")
	}

	// Install generation two; a request holding the old snapshot keeps
	// observing all-old state, new lookups observe all-new.
	if err := InstallProxyConfig(generation("two.example", 8082), ""); err != nil {
		t.Fatal(err)
	}

	newTable, _ := route.ActiveTable()
	if newTable == oldTable {
		t.Fatal("swap should install a fresh table")
	}
	if _, _, err := newTable.FindRoute(route.RequestInfo{Host: "two.example", Path: "/", Method: "GET"}); err != nil {
		t.Error("new generation should route two.example")
	}
	if _, _, err := newTable.FindRoute(route.RequestInfo{Host: "one.example", Path: "/", Method: "GET"}); err == nil {
		t.Error("new generation should not route one.example")
	}
	if _, _, err := oldTable.FindRoute(route.RequestInfo{Host: "one.example", Path: "/", Method: "GET"}); err != nil {
		t.Error("old snapshot must stay internally consistent while draining")
	}

	svc, err := backend.Get("web")
	if err != nil {
		t.Fatal(err)
	}
	if svc.Backends()[0].Addr != "127.0.0.1:8082" {
		t.Errorf("backend registry should be generation two, got %s", svc.Backends()[0].Addr)
	}
}

func TestInstallRejectsInvalidConfigWithoutSwap(t *testing.T) {
	store.Reset()
	backend.ClearCache()

	if err := InstallProxyConfig(generation("keep.example", 8081), ""); err != nil {
		t.Fatal(err)
	}

	bad := generation("bad.example", 8081)
	bad.Routes[0].Paths[0].Service.Name = "ghost"
	if err := InstallProxyConfig(bad, ""); err == nil {
		t.Fatal("invalid config must be rejected")
	}

	// The previous generation keeps serving.
	table, _ := route.ActiveTable()
	if _, _, err := table.FindRoute(route.RequestInfo{Host: "keep.example", Path: "/", Method: "GET"}); err != nil {
		t.Error("failed install must leave the active generation untouched")
	}
}
