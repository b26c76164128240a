package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk daemon configuration.
type File struct {
	// DataDir is where the session database lives.
	DataDir string `yaml:"data_dir"`

	// Listen is the JSON-RPC listen address.
	Listen string `yaml:"listen"`

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Ledgers maps chain IDs to connection settings.
	Ledgers map[string]LedgerConfig `yaml:"ledgers"`

	// Swap overrides the default protocol parameters when set.
	Swap *SwapFileConfig `yaml:"swap,omitempty"`
}

// LedgerConfig holds per-chain connection settings.
type LedgerConfig struct {
	// RPC is the node endpoint, e.g. an Ethereum JSON-RPC URL.
	RPC string `yaml:"rpc"`

	// EscrowContract is the deployed escrow contract address.
	EscrowContract string `yaml:"escrow_contract"`

	// SignerKey is the hex-encoded private key used to submit transactions.
	SignerKey string `yaml:"signer_key,omitempty"`

	// PollInterval overrides the chain's default poll interval when set.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// DefaultFile returns the default daemon configuration.
func DefaultFile() *File {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &File{
		DataDir:  filepath.Join(home, ".driftlock"),
		Listen:   "127.0.0.1:9945",
		LogLevel: "info",
		Ledgers:  map[string]LedgerConfig{},
	}
}

// SwapFileConfig mirrors SwapConfig with yaml tags and optional fields.
type SwapFileConfig struct {
	SessionTTL     time.Duration `yaml:"session_ttl,omitempty"`
	SourceLockTTL  time.Duration `yaml:"source_lock_ttl,omitempty"`
	DestLockTTL    time.Duration `yaml:"dest_lock_ttl,omitempty"`
	SafetyMargin   time.Duration `yaml:"safety_margin,omitempty"`
	ProtocolFeeBps uint64        `yaml:"protocol_fee_bps,omitempty"`
}

// Load reads the configuration file at path, falling back to defaults when
// the file does not exist.
func Load(path string) (*File, error) {
	cfg := DefaultFile()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for id := range cfg.Ledgers {
		if _, ok := SupportedChains[id]; !ok {
			return nil, fmt.Errorf("config references unknown chain %q", id)
		}
	}

	return cfg, nil
}

// SwapParams resolves the effective swap parameters: file overrides applied
// on top of the defaults.
func (f *File) SwapParams() SwapConfig {
	sc := DefaultSwapConfig()
	if f.Swap == nil {
		return sc
	}
	if f.Swap.SessionTTL > 0 {
		sc.SessionTTL = f.Swap.SessionTTL
	}
	if f.Swap.SourceLockTTL > 0 {
		sc.SourceLockTTL = f.Swap.SourceLockTTL
	}
	if f.Swap.DestLockTTL > 0 {
		sc.DestLockTTL = f.Swap.DestLockTTL
	}
	if f.Swap.SafetyMargin > 0 {
		sc.SafetyMargin = f.Swap.SafetyMargin
	}
	if f.Swap.ProtocolFeeBps > 0 {
		sc.ProtocolFeeBps = f.Swap.ProtocolFeeBps
	}
	return sc
}

// Save writes the configuration to path, creating parent directories.
func (f *File) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
