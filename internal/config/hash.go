package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the decoded config so editor saves that leave the
// content unchanged do not trigger a reload. nil or unencodable configs hash to 0.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
