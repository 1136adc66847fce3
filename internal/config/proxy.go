package config

// ServiceType discriminates ServiceItem variants.
type ServiceType string

const (
	ServiceHTTP   ServiceType = "http"
	ServicePlugin ServiceType = "plugin"
	ServiceStatic ServiceType = "static"
)

// Algorithm selects the load-balancing policy of an HTTP service.
type Algorithm string

const (
	AlgoRoundRobin Algorithm = "round_robin"
	AlgoWeighted   Algorithm = "weighted"
	AlgoConsistent Algorithm = "consistent"
	AlgoRandom     Algorithm = "random"
)

// Endpoint is a single upstream address.
type Endpoint struct {
	IP     string `yaml:"ip"`
	Port   uint16 `yaml:"port"`
	Weight uint32 `yaml:"weight"`
}

// HealthCheck configures active HTTP probing for a service. Durations are
// strings of the form "<N>s"; thresholds count consecutive probes.
type HealthCheck struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	Interval           string `yaml:"interval"`
	Timeout            string `yaml:"timeout"`
	HealthyThreshold   uint32 `yaml:"healthy_threshold"`
	UnhealthyThreshold uint32 `yaml:"unhealthy_threshold"`
}

// PluginRef binds a plugin service to a declared plugin entry point.
type PluginRef struct {
	Name    string `yaml:"name"`
	Entry   string `yaml:"entry"`
	Payload any    `yaml:"payload"`
}

// StaticConfig configures the static file service type.
type StaticConfig struct {
	Root  string `yaml:"root"`
	Index string `yaml:"index"`
	SPA   bool   `yaml:"spa"`
}

// ServiceItem is a tagged variant over HTTP, plugin and static services.
type ServiceItem struct {
	Name        string        `yaml:"name"`
	ServiceType ServiceType   `yaml:"service_type"`
	Algorithm   Algorithm     `yaml:"algorithm"`
	Endpoints   []Endpoint    `yaml:"endpoints"`
	HealthCheck *HealthCheck  `yaml:"health_check"`
	Plugin      *PluginRef    `yaml:"plugin"`
	Static      *StaticConfig `yaml:"static"`
}

// RouteMatcher selects requests by host or by header value.
type RouteMatcher struct {
	Kind  string `yaml:"type"` // host | header
	Value string `yaml:"value"`
}

// TlsRoute flags a route as TLS-only, optionally redirecting plain HTTP.
type TlsRoute struct {
	Enabled  bool   `yaml:"enabled"`
	Redirect string `yaml:"redirect"`
}

// MiddlewareItem is one entry in a middleware chain: either a group
// reference or a plugin invocation with an optional templated payload.
type MiddlewareItem struct {
	Group   string `yaml:"group"`
	Plugin  string `yaml:"plugin"`
	Entry   string `yaml:"entry"`
	Payload any    `yaml:"payload"`
}

// ServiceRef points a path at a service, optionally rewriting the path.
type ServiceRef struct {
	Name    string `yaml:"name"`
	Rewrite string `yaml:"rewrite"`
}

// PathConfig is one path pattern within a route. Prefix patterns are
// compiled to `<path>/{*rest}` at route-table build time.
type PathConfig struct {
	Path       string           `yaml:"path"`
	PathType   string           `yaml:"path_type"` // exact (default) | prefix
	Service    ServiceRef       `yaml:"service"`
	Methods    []string         `yaml:"methods"`
	Middleware []MiddlewareItem `yaml:"middleware"`
}

// IsPrefix reports whether the path uses prefix matching.
func (p *PathConfig) IsPrefix() bool { return p.PathType == "prefix" }

// RouteConfig declares a route: a matcher, route-level middleware and the
// paths it serves.
type RouteConfig struct {
	Route      RouteMatcher     `yaml:"route"`
	Name       string           `yaml:"name"`
	TLS        *TlsRoute        `yaml:"tls"`
	Middleware []MiddlewareItem `yaml:"middleware"`
	Paths      []PathConfig     `yaml:"paths"`
}

// TlsKind discriminates certificate sources.
type TlsKind string

const (
	TlsCustom TlsKind = "custom"
	TlsAcme   TlsKind = "acme"
)

// TlsConfig declares certificates for a set of domains.
type TlsConfig struct {
	Name    string   `yaml:"name"`
	Kind    TlsKind  `yaml:"type"`
	Domains []string `yaml:"domains"`
	Cert    string   `yaml:"cert"`
	Key     string   `yaml:"key"`
	Chain   []string `yaml:"chain"`
}

// PluginType discriminates plugin carriers.
type PluginType string

const (
	PluginFfi       PluginType = "ffi"
	PluginMessaging PluginType = "messaging"
)

// RetryPolicyConfig tunes messaging retries.
type RetryPolicyConfig struct {
	Max              *int    `yaml:"max"`
	BackoffMsInitial *uint64 `yaml:"backoff_ms_initial"`
	BackoffMsMax     *uint64 `yaml:"backoff_ms_max"`
}

// PhasePolicyConfig is a per-phase override for a messaging plugin.
type PhasePolicyConfig struct {
	TimeoutMs *uint64            `yaml:"timeout_ms"`
	OnError   string             `yaml:"on_error"` // retry | continue | abort
	Retry     *RetryPolicyConfig `yaml:"retry"`
}

// PluginItem declares a plugin worker: a shared library for the ffi
// carrier, or a messaging binding for the bus carrier.
type PluginItem struct {
	Name           string                       `yaml:"name"`
	Type           PluginType                   `yaml:"type"`
	File           string                       `yaml:"file"`
	Config         any                          `yaml:"config"`
	Messaging      string                       `yaml:"messaging"`
	Group          string                       `yaml:"group"`
	MaxInflight    *int                         `yaml:"max_inflight"`
	OverflowPolicy string                       `yaml:"overflow_policy"` // queue | reject | shed
	PerPhase       map[string]PhasePolicyConfig `yaml:"per_phase"`
}

// MessagingConfig declares a message-bus endpoint shared by plugins.
type MessagingConfig struct {
	Name             string             `yaml:"name"`
	Servers          []string           `yaml:"servers"`
	SubjectPrefix    string             `yaml:"subject_prefix"`
	RequestTimeoutMs *uint64            `yaml:"request_timeout_ms"`
	MaxInflight      *int               `yaml:"max_inflight"`
	OverflowPolicy   string             `yaml:"overflow_policy"`
	Retry            *RetryPolicyConfig `yaml:"retry"`
	DefaultHeaders   map[string]string  `yaml:"default_headers"`
}

// ProxyConfig is the merged view of every file under the config directory.
type ProxyConfig struct {
	HeaderSelector   string                      `yaml:"header_selector"`
	Services         []ServiceItem               `yaml:"services"`
	Routes           []RouteConfig               `yaml:"routes"`
	TLS              []TlsConfig                 `yaml:"tls"`
	Plugins          []PluginItem                `yaml:"plugins"`
	Messaging        []MessagingConfig           `yaml:"messaging"`
	MiddlewareGroups map[string][]MiddlewareItem `yaml:"middleware_groups"`
}
