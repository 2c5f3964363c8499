package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	Directory DirectoryConfig `koanf:"directory"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Cache     CacheConfig     `koanf:"cache"`
	Audit     AuditConfig     `koanf:"audit"`
}

type ServerConfig struct {
	Host               string   `koanf:"host"`
	Port               int      `koanf:"port"`
	CORSAllowedOrigins []string `koanf:"corsorigins"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrationsPath string `koanf:"migrationspath"`
	MaxConns       int    `koanf:"maxconns"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig describes how inbound bearer tokens from the identity provider
// are validated and which claims identify the caller.
type AuthConfig struct {
	DevMode        bool     `koanf:"devmode"`
	DevObjectID    string   `koanf:"devobjectid"`
	DevEmail       string   `koanf:"devemail"`
	Issuer         string   `koanf:"issuer"`
	Audience       string   `koanf:"audience"`
	Authority      string   `koanf:"authority"`
	JWKSURL        string   `koanf:"jwksurl"`
	JWKSCacheSecs  int      `koanf:"jwkscachesecs"`
	KeyRefreshSecs int      `koanf:"keyrefreshsecs"`
	ObjectIDClaim  string   `koanf:"objectidclaim"`
	EmailClaims    []string `koanf:"emailclaims"`
}

type DirectoryConfig struct {
	Driver            string `koanf:"driver"`
	TenantID          string `koanf:"tenantid"`
	ClientID          string `koanf:"clientid"`
	ClientSecret      string `koanf:"clientsecret"`
	BaseURL           string `koanf:"baseurl"`
	TokenURL          string `koanf:"tokenurl"`
	InviteRedirectURL string `koanf:"inviteredirecturl"`
	CallTimeoutMs     int    `koanf:"calltimeoutms"`
	MaxAttempts       int    `koanf:"maxattempts"`
	InitialBackoffMs  int    `koanf:"initialbackoffms"`
	MaxBackoffMs      int    `koanf:"maxbackoffms"`
	RequestsPerSecond int    `koanf:"requestspersecond"`
}

type SecretsConfig struct {
	Driver        string `koanf:"driver"`
	EncryptionKey string `koanf:"encryptionkey"`
	VaultURL      string `koanf:"vaulturl"`
}

type CacheConfig struct {
	TTLSecs int `koanf:"ttlsecs"`
	Size    int `koanf:"size"`
}

type AuditConfig struct {
	BufferSize    int `koanf:"buffersize"`
	BatchSize     int `koanf:"batchsize"`
	FlushInterval int `koanf:"flushintervalms"`
	SecurityWait  int `koanf:"securitywaitms"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                 8080,
		"server.host":                 "0.0.0.0",
		"database.maxconns":           25,
		"database.migrationspath":     "migrations",
		"log.level":                   "info",
		"log.format":                  "json",
		"auth.devmode":                false,
		"auth.devobjectid":            "00000000-0000-0000-0000-000000000001",
		"auth.devemail":               "dev@b1gate.local",
		"auth.jwkscachesecs":          3600,
		"auth.keyrefreshsecs":         30,
		"auth.objectidclaim":          "oid",
		"auth.emailclaims":            []string{"email", "preferred_username", "upn", "unique_name", "emails"},
		"directory.driver":            "memory",
		"directory.baseurl":           "https://graph.microsoft.com/v1.0",
		"directory.calltimeoutms":     10000,
		"directory.maxattempts":       4,
		"directory.initialbackoffms":  500,
		"directory.maxbackoffms":      8000,
		"directory.requestspersecond": 10,
		"secrets.driver":              "postgres",
		"cache.ttlsecs":               30,
		"cache.size":                  1024,
		"audit.buffersize":            4096,
		"audit.batchsize":             100,
		"audit.flushintervalms":       500,
		"audit.securitywaitms":        2000,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// B1GATE_SERVER_PORT -> server.port
	_ = k.Load(env.Provider("B1GATE_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "B1GATE_")),
			"_", ".",
		)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
