package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/udpst/internal/config"
	"github.com/dantte-lp/udpst/internal/udpst"
)

// keyFileEntry is one row of the key-file YAML table.
type keyFileEntry struct {
	ID  uint8  `yaml:"id"`
	Key string `yaml:"key"`
}

// loadKeyStore reads the auth key-file (if configured) into a
// udpst.StaticKeyStore. Returns a store with only the fallback key set
// when no key-file path is configured.
func loadKeyStore(cfg config.AuthConfig) (*udpst.StaticKeyStore, error) {
	store := &udpst.StaticKeyStore{
		Keys:     make(map[uint8]string),
		Fallback: cfg.FallbackKey,
	}
	if cfg.KeyFile == "" {
		return store, nil
	}

	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", cfg.KeyFile, err)
	}

	var entries []keyFileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", cfg.KeyFile, err)
	}

	for _, e := range entries {
		store.Keys[e.ID] = e.Key
	}
	return store, nil
}
