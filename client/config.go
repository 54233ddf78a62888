package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the on-disk form of the tunable parts of Config.
//
//	id = "rank-0"
//	timeout = "2s"
//	hash_threshold = 65
//
//	[rendezvous]
//	shm_threshold = 16000
//	window = 131072
type FileConfig struct {
	ID            string `toml:"id"`
	Timeout       string `toml:"timeout"`
	HashThreshold int    `toml:"hash_threshold"`
	MaxRequests   int    `toml:"max_requests"`
	StagingBytes  int    `toml:"staging_bytes"`
	WaitSpins     int    `toml:"wait_spins"`
	Rendezvous    struct {
		FabricThreshold uint64 `toml:"fabric_threshold"`
		ShmThreshold    uint64 `toml:"shm_threshold"`
		Window          uint64 `toml:"window"`
	} `toml:"rendezvous"`
}

// LoadConfig reads a TOML file into a FileConfig.
func LoadConfig(path string) (FileConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	fc, err := ParseConfig(string(contents))
	if err != nil {
		return FileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

// ParseConfig decodes TOML text into a FileConfig. Unknown keys are rejected.
func ParseConfig(text string) (FileConfig, error) {
	var fc FileConfig
	md, err := toml.Decode(text, &fc)
	if err != nil {
		return FileConfig{}, fmt.Errorf("decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return FileConfig{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if fc.Timeout != "" {
		if _, err := time.ParseDuration(fc.Timeout); err != nil {
			return FileConfig{}, fmt.Errorf("timeout: %w", err)
		}
	}
	return fc, nil
}

// Apply overlays the non-zero fields of fc onto base.
func (fc FileConfig) Apply(base Config) Config {
	cfg := base
	if fc.ID != "" {
		cfg.ID = fc.ID
	}
	if d, err := time.ParseDuration(fc.Timeout); err == nil && fc.Timeout != "" {
		cfg.Timeout = d
	}
	if fc.HashThreshold != 0 {
		cfg.HashThreshold = fc.HashThreshold
	}
	if fc.MaxRequests != 0 {
		cfg.MaxRequests = fc.MaxRequests
	}
	if fc.StagingBytes != 0 {
		cfg.StagingBytes = fc.StagingBytes
	}
	if fc.WaitSpins != 0 {
		cfg.WaitSpins = fc.WaitSpins
	}
	if fc.Rendezvous.FabricThreshold != 0 {
		cfg.FabricThreshold = fc.Rendezvous.FabricThreshold
	}
	if fc.Rendezvous.ShmThreshold != 0 {
		cfg.ShmThreshold = fc.Rendezvous.ShmThreshold
	}
	if fc.Rendezvous.Window != 0 {
		cfg.RendezvousWindow = fc.Rendezvous.Window
	}
	return cfg
}
