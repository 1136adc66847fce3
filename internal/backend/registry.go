package backend

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/store"
)

// cacheCapacity bounds the service-lookup LRU.
const cacheCapacity = 500

// Service is one HTTP service's balancer plus its optional health check.
type Service struct {
	Name      string
	Algorithm config.Algorithm
	balancer  Balancer
	checker   *HealthCheck
}

// Select dispatches to the service's balancing policy.
func (s *Service) Select(key []byte) (*Backend, error) {
	b := s.balancer.Select(key)
	if b == nil {
		return nil, errors.HTTPException(500, "INTERNAL_SERVER_ERROR", "no backend found")
	}
	return b, nil
}

// Backends exposes the service's backend set.
func (s *Service) Backends() []*Backend { return s.balancer.Backends() }

// Checker returns the active health check, if enabled.
func (s *Service) Checker() *HealthCheck { return s.checker }

var (
	cacheMu      sync.Mutex
	serviceCache *lru.Cache[string, *Service]
)

func init() {
	serviceCache, _ = lru.New[string, *Service](cacheCapacity)
}

// Build constructs one Service from its config, failing fast on endpoint
// parse errors. The balancer is ready (non-empty healthy set) before it
// is returned.
func Build(item *config.ServiceItem) (*Service, error) {
	if len(item.Endpoints) == 0 {
		return nil, errors.Config("http service %q must have at least one endpoint", item.Name)
	}

	hostHeader := item.Endpoints[0].IP
	backends := make([]*Backend, 0, len(item.Endpoints))
	for _, e := range item.Endpoints {
		addr := net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
		if _, err := netip.ParseAddrPort(addr); err != nil {
			return nil, errors.Config("service %q: unable to parse address %s: %v", item.Name, addr, err)
		}
		backends = append(backends, &Backend{
			Addr:       addr,
			Weight:     int(e.Weight),
			HostHeader: hostHeader,
		})
	}

	svc := &Service{Name: item.Name, Algorithm: item.Algorithm}
	switch item.Algorithm {
	case config.AlgoRoundRobin, "":
		svc.balancer = NewRoundRobin(backends)
	case config.AlgoWeighted:
		svc.balancer = NewWeightedRoundRobin(backends)
	case config.AlgoConsistent:
		svc.balancer = NewConsistentHash(backends)
	case config.AlgoRandom:
		svc.balancer = NewRandom(backends, time.Now().UnixNano())
	default:
		return nil, errors.Config("service %q: unknown algorithm %q", item.Name, item.Algorithm)
	}

	if hc := item.HealthCheck; hc != nil && hc.Enabled {
		interval, err := config.ParseSeconds(hc.Interval)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseSeconds(hc.Timeout)
		if err != nil {
			return nil, err
		}
		sink, ok := svc.balancer.(HealthSink)
		if !ok {
			return nil, errors.Internal("balancer for %q cannot observe health", item.Name)
		}
		svc.checker = NewHealthCheck(hc.Path, interval, timeout,
			int(hc.HealthyThreshold), int(hc.UnhealthyThreshold), sink, backends)
	}

	return svc, nil
}

// StoreServices builds every HTTP service, swaps the registry into the
// global store, starts health checks and clears the lookup cache.
func StoreServices(services []config.ServiceItem) error {
	registry := make(map[string]*Service)
	for i := range services {
		if services[i].ServiceType != config.ServiceHTTP {
			continue
		}
		svc, err := Build(&services[i])
		if err != nil {
			return err
		}
		registry[svc.Name] = svc
	}

	// Stop checkers of the outgoing generation before the swap.
	if old, ok := store.Get[map[string]*Service](store.KeyBackends); ok {
		for _, svc := range old {
			if svc.checker != nil {
				svc.checker.Stop()
			}
		}
	}

	store.Insert(store.KeyBackends, registry)
	ClearCache()

	for _, svc := range registry {
		if svc.checker != nil {
			svc.checker.Start()
		}
	}
	return nil
}

// Get returns the named service, consulting the LRU cache before the
// registry in the store.
func Get(name string) (*Service, error) {
	cacheMu.Lock()
	if svc, ok := serviceCache.Get(name); ok {
		cacheMu.Unlock()
		return svc, nil
	}
	cacheMu.Unlock()

	registry, ok := store.Get[map[string]*Service](store.KeyBackends)
	if !ok {
		return nil, errors.ServiceNotFound(name)
	}
	svc, ok := registry[name]
	if !ok {
		return nil, errors.ServiceNotFound(name)
	}

	cacheMu.Lock()
	serviceCache.Add(name, svc)
	cacheMu.Unlock()
	return svc, nil
}

// ClearCache empties the service-lookup cache. Called on registry swap so
// stale handles never outlive their generation.
func ClearCache() {
	cacheMu.Lock()
	serviceCache.Purge()
	cacheMu.Unlock()
}

// CacheStats reports the lookup cache occupancy.
func CacheStats() (size, capacity int) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	return serviceCache.Len(), cacheCapacity
}

// RunHealthChecksForAll probes every stored service once, fleet-wide.
func RunHealthChecksForAll(ctx context.Context) {
	registry, ok := store.Get[map[string]*Service](store.KeyBackends)
	if !ok {
		return
	}
	for _, svc := range registry {
		if svc.checker != nil {
			svc.checker.RunOnce(ctx)
		}
	}
}

// SelectionKey builds the balancer key for a request: consistent-hash
// services key on the client IP, everything else uses a fixed key.
func SelectionKey(algorithm config.Algorithm, clientIP string) []byte {
	if algorithm == config.AlgoConsistent {
		return []byte(clientIP)
	}
	return []byte("nylon")
}

// String describes a backend for logs.
func (b *Backend) String() string {
	return fmt.Sprintf("%s (weight %d, healthy %v)", b.Addr, b.Weight, b.Healthy())
}
