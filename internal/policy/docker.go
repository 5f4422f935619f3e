package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// LabelPolicy is the Docker container label carrying the requested policy
// level.
const LabelPolicy = "org.lockc.policy"

// dockerConfig is the subset of the engine's per-container config.v2.json
// the resolver needs.
type dockerConfig struct {
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// dockerLevel reads the engine-level config and maps its policy label.
// A missing label, unreadable file, or parse failure degrades to Baseline;
// a Docker container's creation is never aborted over its own config.
func dockerLevel(configPath string) Level {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockcd: policy: docker config %s: %v\n", configPath, err)
		return LevelBaseline
	}
	var cfg dockerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "lockcd: policy: docker config %s: %v\n", configPath, err)
		return LevelBaseline
	}
	return ParseLevel(cfg.Config.Labels[LabelPolicy])
}
