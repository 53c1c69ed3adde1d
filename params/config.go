package params

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Engine struct {
	Admin        string `yaml:"admin"`
	Custody      string `yaml:"custody"`
	FeeBps       uint64 `yaml:"fee_bps"`
	FeeRecipient string `yaml:"fee_recipient"`  // empty means admin
	MinOrderSize string `yaml:"min_order_size"` // base units; empty means 1
	ChainID      int64  `yaml:"chain_id"`       // EIP-712 domain
}

type Node struct {
	APIAddr      string   `yaml:"api_addr"`
	CORSOrigins  []string `yaml:"cors_origins"`
	EnableFaucet bool     `yaml:"enable_faucet"`
	LogFile      string   `yaml:"log_file"`
	LogLevel     string   `yaml:"log_level"`
}

type Storage struct {
	DataDir string `yaml:"data_dir"`
}

func (s Storage) LedgerPath() string  { return filepath.Join(s.DataDir, "ledger") }
func (s Storage) JournalPath() string { return filepath.Join(s.DataDir, "journal") }

type P2P struct {
	Enable     bool     `yaml:"enable"`
	ListenAddr string   `yaml:"listen_addr"`
	Bootstrap  []string `yaml:"bootstrap"`
	Topic      string   `yaml:"topic"`
}

// Sinks configures optional external event streams. Empty means disabled.
type Sinks struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	RedisURL     string   `yaml:"redis_url"`
	RedisPrefix  string   `yaml:"redis_prefix"`
}

type Config struct {
	Engine  Engine  `yaml:"engine"`
	Node    Node    `yaml:"node"`
	Storage Storage `yaml:"storage"`
	P2P     P2P     `yaml:"p2p"`
	Sinks   Sinks   `yaml:"sinks"`
}

// DefaultCustody is the ledger identity that holds escrow when none is
// configured. Nothing ever signs for it.
const DefaultCustody = "0x000000000000000000000000000000000000c0De"

func Default() Config {
	return Config{
		Engine: Engine{
			Custody: DefaultCustody,
			ChainID: 1337,
		},
		Node: Node{
			APIAddr:  ":8080",
			LogFile:  "data/node.log",
			LogLevel: "info",
		},
		Storage: Storage{DataDir: "data"},
		P2P: P2P{
			ListenAddr: "/ip4/0.0.0.0/tcp/4001",
		},
		Sinks: Sinks{
			KafkaTopic:  "tokenbook.events",
			RedisPrefix: "tokenbook",
		},
	}
}

// LoadFile reads a YAML config on top of defaults. ${VAR} references are
// expanded from the environment before parsing.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	raw = []byte(os.ExpandEnv(string(raw)))
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > CONFIG_FILE > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.Engine.Admin = getEnv("ENGINE_ADMIN", cfg.Engine.Admin)
	cfg.Engine.Custody = getEnv("ENGINE_CUSTODY", cfg.Engine.Custody)
	cfg.Engine.FeeRecipient = getEnv("ENGINE_FEE_RECIPIENT", cfg.Engine.FeeRecipient)
	cfg.Engine.MinOrderSize = getEnv("ENGINE_MIN_ORDER_SIZE", cfg.Engine.MinOrderSize)
	if v := os.Getenv("ENGINE_FEE_BPS"); v != "" {
		bps, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("ENGINE_FEE_BPS: %w", err)
		}
		cfg.Engine.FeeBps = bps
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("CHAIN_ID: %w", err)
		}
		cfg.Engine.ChainID = id
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("FAUCET_ENABLE"); v != "" {
		cfg.Node.EnableFaucet = v == "true"
	}

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)

	if v := os.Getenv("P2P_ENABLE"); v != "" {
		cfg.P2P.Enable = v == "true"
	}
	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN", cfg.P2P.ListenAddr)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Sinks.KafkaBrokers = splitList(v)
	}
	cfg.Sinks.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Sinks.KafkaTopic)
	cfg.Sinks.RedisURL = getEnv("REDIS_URL", cfg.Sinks.RedisURL)

	return cfg, cfg.Validate()
}

// Validate checks the fields the node cannot start without.
func (c Config) Validate() error {
	if !isAddress(c.Engine.Admin) {
		return fmt.Errorf("engine.admin: %q is not a non-zero hex address", c.Engine.Admin)
	}
	if !isAddress(c.Engine.Custody) {
		return fmt.Errorf("engine.custody: %q is not a non-zero hex address", c.Engine.Custody)
	}
	if c.Engine.FeeRecipient != "" && !isAddress(c.Engine.FeeRecipient) {
		return fmt.Errorf("engine.fee_recipient: %q is not a non-zero hex address", c.Engine.FeeRecipient)
	}
	if c.Engine.ChainID <= 0 {
		return fmt.Errorf("engine.chain_id must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.P2P.Enable && c.P2P.ListenAddr == "" {
		return fmt.Errorf("p2p.listen_addr is required when p2p is enabled")
	}
	if len(c.Sinks.KafkaBrokers) > 0 && c.Sinks.KafkaTopic == "" {
		return fmt.Errorf("sinks.kafka_topic is required with kafka brokers")
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
