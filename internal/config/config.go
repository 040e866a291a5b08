// Package config loads the daemon's JSON configuration document and keeps
// it hot-reloaded as the file changes on disk. Configuration is always
// consumed read-only: the daemon itself never writes the document back.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Global holds deployment-wide settings: chat network credentials and where
// the daemon keeps its runtime state.
type Global struct {
	TelegramToken        string  `json:"telegram_token"`
	AllowedTelegramUsers []int64 `json:"allowed_telegram_users,omitempty"`
	DiscordToken         string  `json:"discord_token,omitempty"`
	DiscordGuildID       string  `json:"discord_guild_id,omitempty"`

	DataDir              string `json:"data_dir"`
	ControlSocketPath    string `json:"control_socket_path"`
	SupervisorSocketPath string `json:"supervisor_socket_path"`
}

// Repo describes one working directory the daemon may spawn an assistant
// subprocess in.
type Repo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	MCPConfigPath string `json:"mcp_config_path,omitempty"`
}

// Agent binds one chat identity to one repo: the unit spec.md calls "one
// agent = one chat identity + one assistant subprocess".
type Agent struct {
	Name           string `json:"name"`
	Network        string `json:"network"` // "telegram" or "discord"
	ChatID         string `json:"chat_id"`
	RepoName       string `json:"repo_name"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
}

// Snapshot is one fully-loaded configuration document.
type Snapshot struct {
	Global Global  `json:"global"`
	Repos  []Repo  `json:"repos"`
	Agents []Agent `json:"agents"`
}

// RepoByName looks up a repo by its configured name.
func (s *Snapshot) RepoByName(name string) (Repo, bool) {
	for _, r := range s.Repos {
		if r.Name == name {
			return r, true
		}
	}
	return Repo{}, false
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if snap.Global.TelegramToken == "" && snap.Global.DiscordToken == "" {
		return nil, fmt.Errorf("config: at least one of global.telegram_token or global.discord_token is required")
	}
	return &snap, nil
}
