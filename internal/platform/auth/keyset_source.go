package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type keysetFile struct {
	ActiveKID string            `json:"active_kid" toml:"active_kid"`
	Keys      map[string]string `json:"keys" toml:"keys"`
}

// LoadHMACKeysetFile reads signing keys from a JSON or TOML file, chosen by
// extension:
//
//	active_kid = "k2"
//	[keys]
//	k1 = "old-secret"
//	k2 = "new-secret"
func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f keysetFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &f); err != nil {
			return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &f); err != nil {
			return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
		}
	}

	keys := make(map[string][]byte, len(f.Keys))
	for kid, secret := range f.Keys {
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file contains no keys")
	}
	return newKeyset(keys, f.ActiveKID)
}
