// Package settings holds the immutable tool configuration a turn reads.
//
// A [Snapshot] is taken once at turn start and never re-read, so nothing
// that consumes it needs locking. Provider enablement is a map from
// provider identifier to [Status] rather than one field per provider;
// adding a provider means adding an identifier and a default.
package settings

import (
	"maps"
	"slices"
	"strings"
)

// Status is the enablement of one provider.
type Status int

const (
	// Disabled providers are never invoked.
	Disabled Status = iota
	// Enabled providers may be invoked.
	Enabled
)

// String returns "enabled" or "disabled".
func (s Status) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// StatusOf converts a boolean flag.
func StatusOf(enabled bool) Status {
	if enabled {
		return Enabled
	}
	return Disabled
}

// Provider identifiers. Bare families have a single identifier;
// aggregator sub-providers are "<family>.<provider>".
const (
	Local        = "local"
	Calendar     = "calendar"
	Notification = "notification"
	File         = "file"
	Browse       = "browse"
	Memory       = "memory"
	MCP          = "mcp"

	PublicAPIViki  = "publicApi.viki"
	PublicAPITen   = "publicApi.tenApi"
	PublicAPIVvHan = "publicApi.vvHan"
	PublicAPIQqsuu = "publicApi.qqsuu"
	PublicAPI770a  = "publicApi.770a"

	SERPBaidu      = "serp.baidu"
	SERPDuckDuckGo = "serp.duckDuckGo"
)

// defaultStatuses is the documented default for every known provider.
// Providers that touch the host (local commands, workspace files) are
// opt-in; everything else is on.
var defaultStatuses = map[string]Status{
	Local:          Disabled,
	Calendar:       Enabled,
	Notification:   Enabled,
	File:           Disabled,
	Browse:         Enabled,
	Memory:         Enabled,
	MCP:            Enabled,
	PublicAPIViki:  Enabled,
	PublicAPITen:   Enabled,
	PublicAPIVvHan: Enabled,
	PublicAPIQqsuu: Enabled,
	PublicAPI770a:  Enabled,
	SERPBaidu:      Enabled,
	SERPDuckDuckGo: Enabled,
}

// MCPServer is one configured MCP endpoint.
type MCPServer struct {
	ID        string `yaml:"id" json:"id"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AuthToken string `yaml:"auth_token" json:"-"`
}

// BrowseLists constrains which hosts the browse family may fetch. A
// non-empty Allow list admits only its hosts; Deny always wins.
type BrowseLists struct {
	Allow []string `yaml:"allow" json:"allow,omitempty"`
	Deny  []string `yaml:"deny" json:"deny,omitempty"`
}

// Permits reports whether host passes the lists. Entries match the host
// itself or any subdomain of it.
func (b BrowseLists) Permits(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range b.Deny {
		if hostMatches(host, d) {
			return false
		}
	}
	if len(b.Allow) == 0 {
		return true
	}
	for _, a := range b.Allow {
		if hostMatches(host, a) {
			return true
		}
	}
	return false
}

func hostMatches(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(pattern), "*."))
	if pattern == "" {
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// Snapshot is an immutable view of tool configuration. The zero value
// has every provider disabled and no MCP servers.
type Snapshot struct {
	providers map[string]Status
	mcp       []MCPServer
	browse    BrowseLists
}

// Partial is a possibly-incomplete configuration. Nil or missing entries
// fall back to [Default].
type Partial struct {
	Providers  map[string]Status
	MCPServers []MCPServer
	Browse     *BrowseLists
}

// Default returns the documented default snapshot: every known provider
// at its default status, no MCP servers, and empty browse lists.
func Default() Snapshot {
	return Snapshot{providers: maps.Clone(defaultStatuses)}
}

// MergeWithDefaults overlays p onto [Default]. Provider statuses in p
// replace the default for that identifier; MCP servers and browse lists
// replace the (empty) defaults when set.
func MergeWithDefaults(p Partial) Snapshot {
	s := Default()
	for id, st := range p.Providers {
		s.providers[id] = st
	}
	if len(p.MCPServers) > 0 {
		s.mcp = slices.Clone(p.MCPServers)
	}
	if p.Browse != nil {
		s.browse = BrowseLists{
			Allow: slices.Clone(p.Browse.Allow),
			Deny:  slices.Clone(p.Browse.Deny),
		}
	}
	return s
}

// With returns a copy of s with provider id set to st.
func (s Snapshot) With(id string, st Status) Snapshot {
	out := Snapshot{
		providers: maps.Clone(s.providers),
		mcp:       s.mcp,
		browse:    s.browse,
	}
	if out.providers == nil {
		out.providers = make(map[string]Status)
	}
	out.providers[id] = st
	return out
}

// Status returns the status for id and whether id is configured at all.
func (s Snapshot) Status(id string) (Status, bool) {
	st, ok := s.providers[id]
	return st, ok
}

// Enabled reports whether id is configured and enabled.
func (s Snapshot) Enabled(id string) bool {
	return s.providers[id] == Enabled
}

// Providers returns every configured identifier, sorted.
func (s Snapshot) Providers() []string {
	return slices.Sorted(maps.Keys(s.providers))
}

// MCPServer looks up a server by id.
func (s Snapshot) MCPServer(id string) (MCPServer, bool) {
	for _, srv := range s.mcp {
		if srv.ID == id {
			return srv, true
		}
	}
	return MCPServer{}, false
}

// MCPServers returns a copy of the configured servers in declaration order.
func (s Snapshot) MCPServers() []MCPServer {
	return slices.Clone(s.mcp)
}

// Browse returns a copy of the browse lists.
func (s Snapshot) Browse() BrowseLists {
	return BrowseLists{
		Allow: slices.Clone(s.browse.Allow),
		Deny:  slices.Clone(s.browse.Deny),
	}
}
