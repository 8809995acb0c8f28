// Package config loads runtime configuration for the Sender daemon and
// Receiver CLI, and builds the frozen PSIParams negotiated between them.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for either party.
type Config struct {
	Database struct {
		Type     string   `yaml:"type"` // "csv" or "postgres"
		Host     string   `yaml:"host"`
		Port     int      `yaml:"port"`
		User     string   `yaml:"user"`
		Password string   `yaml:"password"`
		DBName   string   `yaml:"dbname"`
		Table    string   `yaml:"table"`
		Filename string   `yaml:"filename"`
		Fields   []string `yaml:"fields"`
	} `yaml:"database"`
	Peer struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"peer"`
	Security struct {
		AllowedIPs      []string `yaml:"allowed_ips"`        // Whitelist of allowed IP addresses
		RequireIPCheck  bool     `yaml:"require_ip_check"`   // Whether to enforce IP whitelist
		MaxConnections  int      `yaml:"max_connections"`    // Maximum concurrent connections
		RateLimitPerMin int      `yaml:"rate_limit_per_min"` // Max connections per minute per IP
	} `yaml:"security"`
	Timeouts struct {
		ConnectionTimeout time.Duration `yaml:"connection_timeout"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	} `yaml:"timeouts"`
	Logging struct {
		Level       string `yaml:"level"`
		File        string `yaml:"file"`
		MaxSize     int    `yaml:"max_size"`
		MaxBackups  int    `yaml:"max_backups"`
		MaxAge      int    `yaml:"max_age"`
		EnableAudit bool   `yaml:"enable_audit"`
		AuditFile   string `yaml:"audit_file"`
	} `yaml:"logging"`
	// PSI holds the parameters negotiated up front between Sender and
	// Receiver; see internal/field.PSIParams for the frozen, validated form.
	PSI struct {
		FeltsPerItem    int      `yaml:"felts_per_item"`
		TableSize       uint32   `yaml:"table_size"`
		MaxItemsPerBin  int      `yaml:"max_items_per_bin"`
		HashFuncCount   int      `yaml:"hash_func_count"`
		PowersSet       []uint32 `yaml:"powers_set"`
		PolyModulusDeg  int      `yaml:"poly_modulus_degree"`
		CoeffModuliBits []int    `yaml:"coeff_moduli_bits"`
		PlainModulus    uint64   `yaml:"plain_modulus"`
		OPRFEnabled     bool     `yaml:"oprf_enabled"`
	} `yaml:"psi"`
	Label struct {
		Enabled        bool `yaml:"enabled"`
		LabelByteCount int  `yaml:"label_byte_count"`
		NonceByteCount int  `yaml:"nonce_byte_count"`
	} `yaml:"label"`
	ListenPort int    `yaml:"listen_port"`
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
}

// SetDefaults sets reasonable default values for any missing configuration.
func (c *Config) SetDefaults() {
	// Security defaults
	if len(c.Security.AllowedIPs) == 0 {
		c.Security.AllowedIPs = []string{"127.0.0.1", "::1"} // localhost only by default
	}
	if c.Security.MaxConnections == 0 {
		c.Security.MaxConnections = 10
	}
	if c.Security.RateLimitPerMin == 0 {
		c.Security.RateLimitPerMin = 5
	}

	// Timeout defaults
	if c.Timeouts.ConnectionTimeout == 0 {
		c.Timeouts.ConnectionTimeout = 30 * time.Second
	}
	if c.Timeouts.ReadTimeout == 0 {
		c.Timeouts.ReadTimeout = 60 * time.Second
	}
	if c.Timeouts.WriteTimeout == 0 {
		c.Timeouts.WriteTimeout = 60 * time.Second
	}
	if c.Timeouts.IdleTimeout == 0 {
		c.Timeouts.IdleTimeout = 300 * time.Second // 5 minutes
	}
	if c.Timeouts.HandshakeTimeout == 0 {
		c.Timeouts.HandshakeTimeout = 30 * time.Second
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100 // 100MB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 30 // 30 days
	}

	// PSI defaults — a tiny parameter set suitable for local testing, never
	// for production use.
	if c.PSI.HashFuncCount == 0 {
		c.PSI.HashFuncCount = 3
	}
	if c.PSI.PlainModulus == 0 {
		c.PSI.PlainModulus = 65537
	}
	if c.PSI.PolyModulusDeg == 0 {
		c.PSI.PolyModulusDeg = 4096
	}
	if len(c.PSI.CoeffModuliBits) == 0 {
		c.PSI.CoeffModuliBits = []int{48, 30, 30}
	}
	if len(c.PSI.PowersSet) == 0 {
		c.PSI.PowersSet = []uint32{1}
	}

	if c.Label.NonceByteCount == 0 {
		c.Label.NonceByteCount = 16
	}
}

// Load reads and parses a YAML configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	return &cfg, nil
}
