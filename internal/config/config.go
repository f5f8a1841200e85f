// Package config loads the JSON-RPC proxy's runtime configuration:
// balanced tiers, an optional private-relay pool, and the tunables
// governing lag tolerance, cache capacity, probe cadence, and HTTP
// timeouts.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// UpstreamEndpoint describes one configured upstream.
type UpstreamEndpoint struct {
	URL       string  `json:"url"`
	SoftLimit float64 `json:"soft_limit,omitempty"`
	HardLimit float64 `json:"hard_limit,omitempty"`
	Weight    int     `json:"weight,omitempty"`
}

// tiersDocument is the shape of the JSON file pointed to by
// RPC_PROXY_CONFIG_FILE.
type tiersDocument struct {
	BalancedRPCTiers [][]UpstreamEndpoint `json:"balanced_rpc_tiers"`
	PrivateRPCs      []UpstreamEndpoint   `json:"private_rpcs"`
}

// Config holds the proxy's runtime configuration.
type Config struct {
	BalancedRPCTiers [][]UpstreamEndpoint
	PrivateRPCs      []UpstreamEndpoint

	MaximumLagBlocks      uint64
	ResponseCacheCapacity int
	ProbeIntervalSeconds  int
	ConnectTimeoutSeconds int
	RequestTimeoutSeconds int

	APIHost   string
	APIPort   int
	AuthToken string
}

// Load reads configuration from environment variables (and an optional
// .env file), following up with a JSON tier-list file when
// RPC_PROXY_CONFIG_FILE is set. When no file is given it bootstraps a
// single one-upstream tier from RPC_NODE_URL, for local/dev runs.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		MaximumLagBlocks:      uint64(getEnvInt("MAXIMUM_LAG_BLOCKS", 3)),
		ResponseCacheCapacity: getEnvInt("RESPONSE_CACHE_CAPACITY", 128),
		ProbeIntervalSeconds:  getEnvInt("PROBE_INTERVAL_SECONDS", 13),
		ConnectTimeoutSeconds: getEnvInt("CONNECT_TIMEOUT_SECONDS", 5),
		RequestTimeoutSeconds: getEnvInt("REQUEST_TIMEOUT_SECONDS", 300),
		APIHost:               getEnv("API_HOST", "0.0.0.0"),
		APIPort:               getEnvInt("API_PORT", 8080),
		AuthToken:             getEnv("RPC_PROXY_AUTH_TOKEN", ""),
	}

	if path := getEnv("RPC_PROXY_CONFIG_FILE", ""); path != "" {
		doc, err := loadTiersDocument(path)
		if err != nil {
			return Config{}, fmt.Errorf("load tiers document %s: %w", path, err)
		}
		cfg.BalancedRPCTiers = doc.BalancedRPCTiers
		cfg.PrivateRPCs = doc.PrivateRPCs
		return cfg, nil
	}

	nodeURL := getEnv("RPC_NODE_URL", "")
	if nodeURL == "" {
		return Config{}, fmt.Errorf("no upstreams configured: set RPC_PROXY_CONFIG_FILE or RPC_NODE_URL")
	}
	cfg.BalancedRPCTiers = [][]UpstreamEndpoint{{{URL: nodeURL, HardLimit: float64(getEnvInt("RPC_NODE_HARD_LIMIT", 0))}}}

	if privateURL := getEnv("RPC_PRIVATE_RELAY_URL", ""); privateURL != "" {
		cfg.PrivateRPCs = []UpstreamEndpoint{{URL: privateURL}}
	}

	return cfg, nil
}

func loadTiersDocument(path string) (tiersDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tiersDocument{}, err
	}
	var doc tiersDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return tiersDocument{}, err
	}
	if len(doc.BalancedRPCTiers) == 0 {
		return tiersDocument{}, fmt.Errorf("balanced_rpc_tiers is empty")
	}
	return doc, nil
}

// loadEnvFile loads a .env file if present.
func loadEnvFile() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ProbeInterval returns the configured probe cadence as a Duration.
func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// ConnectTimeout returns the configured connect timeout as a Duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout returns the configured total request timeout as a
// Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
