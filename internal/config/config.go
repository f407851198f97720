// Package config loads julea's key-file configuration (spec §6): the list of
// servers per backend kind, each kind's backend/component/path, the optional
// HSM-policy hook, and the core scheduling limits.
//
// The file format is the same "sections of key=value" shape GLib's GKeyFile
// uses in the original C implementation; gopkg.in/ini.v1 parses it without
// needing a bespoke parser.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/dreamware/julea/internal/jerror"
)

// BackendConfig is the {backend, component, path} triple shared by the
// object, kv, and db sections.
type BackendConfig struct {
	Backend   string // e.g. "posix", "lmdb", "sqlite" — the concrete engine name
	Component string // "client" or "server"
	Path      string // backend-specific root (file path, DSN, ...)
}

// HSMPolicy is the optional object.hsm-policy section. Parsed but inert
// until an HSM subsystem lands (Open Question (c), SPEC_FULL §14).
type HSMPolicy struct {
	Policy    string
	KVBackend string
	KVPath    string
}

// Core holds the scheduling limits under the [core] section.
type Core struct {
	MaxOperationSize int64 // bytes; caps a single outgoing message's payload
	StripeSize       int64 // default distribution block size
	MaxConnections   int   // per-(kind,index) connection pool cap
}

// Config is the fully parsed configuration.
type Config struct {
	Object        BackendConfig
	KV            BackendConfig
	DB            BackendConfig
	ObjectHSMPolicy HSMPolicy
	Core          Core

	// Servers maps a backend kind ("object", "kv", "db") to its ordered
	// list of "host[:port]" addresses. Index into this list is the server
	// index used throughout distribution, connpool, and the KV hash map.
	Servers map[string][]string
}

const (
	envConfigOverride = "JULEA_CONFIG"
	configFileName    = "julea.conf"
)

var defaultCore = Core{
	MaxOperationSize: 8 * 1024 * 1024,
	StripeSize:       512 * 1024,
	MaxConnections:   8,
}

// Load searches, in order, $JULEA_CONFIG, the user config directory
// (os.UserConfigDir()/julea/julea.conf), then /etc/xdg/julea/julea.conf and
// /etc/julea/julea.conf, returning the first file found. A missing
// configuration is a config-domain error, never a panic.
func Load() (*Config, error) {
	for _, candidate := range searchPaths() {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return LoadFile(candidate)
		}
	}
	return nil, jerror.Config("no configuration file found in search path", nil)
}

func searchPaths() []string {
	paths := make([]string, 0, 4)
	if override := os.Getenv(envConfigOverride); override != "" {
		paths = append(paths, override)
	}
	if userDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userDir, "julea", configFileName))
	}
	paths = append(paths,
		filepath.Join("/etc/xdg/julea", configFileName),
		filepath.Join("/etc/julea", configFileName),
	)
	return paths
}

// LoadFile parses a specific key-file path, bypassing the search order.
func LoadFile(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, jerror.Config("failed to parse configuration file "+path, err)
	}
	return fromINI(f)
}

func fromINI(f *ini.File) (*Config, error) {
	cfg := &Config{
		Core:    defaultCore,
		Servers: make(map[string][]string),
	}

	serversSec := f.Section("servers")
	for _, kind := range []string{"object", "kv", "db"} {
		key := serversSec.Key(kind)
		if key.String() == "" {
			continue
		}
		cfg.Servers[kind] = splitList(key.String())
	}

	cfg.Object = loadBackend(f, "object")
	cfg.KV = loadBackend(f, "kv")
	cfg.DB = loadBackend(f, "db")

	if hsm := f.Section("object.hsm-policy"); hsm != nil {
		cfg.ObjectHSMPolicy = HSMPolicy{
			Policy:    hsm.Key("policy").String(),
			KVBackend: hsm.Key("kv_backend").String(),
			KVPath:    hsm.Key("kv_path").String(),
		}
	}

	if core := f.Section("core"); core != nil {
		if v, err := core.Key("max-operation-size").Int64(); err == nil && v > 0 {
			cfg.Core.MaxOperationSize = v
		}
		if v, err := core.Key("stripe-size").Int64(); err == nil && v > 0 {
			cfg.Core.StripeSize = v
		}
		if v, err := core.Key("max-connections").Int(); err == nil && v > 0 {
			cfg.Core.MaxConnections = v
		}
	}

	if len(cfg.Servers) == 0 {
		return nil, jerror.Config("configuration declares no servers", nil)
	}

	return cfg, nil
}

func loadBackend(f *ini.File, kind string) BackendConfig {
	sec := f.Section(kind)
	return BackendConfig{
		Backend:   sec.Key("backend").String(),
		Component: sec.Key("component").String(),
		Path:      sec.Key("path").String(),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range splitAny(raw, ",; ") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitAny splits s on any rune present in seps, dropping empty runs of
// separators. gopkg.in/ini.v1 already lets callers ask for ValueWithShadows
// on repeated keys, but julea's servers list is a single comma/space
// separated value, so a small manual splitter keeps this predictable.
func splitAny(s, seps string) []string {
	var fields []string
	start := -1
	isSep := func(r byte) bool {
		for i := 0; i < len(seps); i++ {
			if seps[i] == r {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(s); i++ {
		if isSep(s[i]) {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
