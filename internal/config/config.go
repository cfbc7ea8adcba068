// Package config loads and merges the daemon's JSON settings the way the
// teacher's own settings.json manager does: a user-level file and a
// project-level file, with the project file's non-zero fields winning.
// Device pairing state itself is persisted separately in YAML by
// internal/devicestore; this package only covers daemon-wide settings.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ICEServer is a STUN/TURN server configuration for WebRTC pairing and
// reconnection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds every daemon-wide setting, loaded from settings.json.
type Config struct {
	// Identity
	DeviceName string `json:"device_name,omitempty"`

	// Transport
	ConnectionMode   string      `json:"connection_mode,omitempty"` // "relay" (default), "p2p", "p2p_only", "direct"
	RelayServer      string      `json:"relay_server,omitempty"`
	ICEServers       []ICEServer `json:"ice_servers,omitempty"`
	DirectPort       int         `json:"direct_port,omitempty"`
	DirectTLS        bool        `json:"direct_tls,omitempty"`
	VPNDirectAddr    string      `json:"vpn_direct_addr,omitempty"`
	HandlerTimeoutMS int         `json:"handler_timeout_ms,omitempty"`
	KeepAliveS       int         `json:"keepalive_interval_s,omitempty"`
	StaleTimeoutS    int         `json:"stale_timeout_s,omitempty"`

	// Sessions
	MaxSessions    int      `json:"max_sessions,omitempty"`
	SessionRateMin int      `json:"session_create_rate_per_min,omitempty"`
	AllowedDirs    []string `json:"allowed_dirs,omitempty"`
	DeniedDirs     []string `json:"denied_dirs,omitempty"`
	IdleTimeoutS   int      `json:"idle_timeout_s,omitempty"`

	// Notifications
	NotifyCooldownS int `json:"notify_cooldown_s,omitempty"`

	// Clipboard
	ClipboardMaxImageMB    int `json:"clipboard_max_image_mb,omitempty"`
	ClipboardTextApprovalKB int `json:"clipboard_text_approval_kb,omitempty"`
}

type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	// Load user config
	userConfigPath := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadConfig(userConfigPath, m.userConfig); err != nil {
		return err
	}
	
	// Load project config
	projectConfigPath := filepath.Join(projectDir, ".rasd", "settings.json")
	if err := m.loadConfig(projectConfigPath, m.projectConfig); err != nil {
		return err
	}
	
	// Merge configs (project overrides user)
	m.mergeConfigs()
	
	return nil
}

func (m *Manager) loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Config file doesn't exist, use defaults
		}
		return err
	}
	
	return json.Unmarshal(data, config)
}

func (m *Manager) mergeConfigs() {
	u, p := m.userConfig, m.projectConfig
	m.merged = &Config{
		DeviceName:              m.getStringValue(u.DeviceName, p.DeviceName, ""),
		ConnectionMode:          m.getStringValue(u.ConnectionMode, p.ConnectionMode, "relay"),
		RelayServer:             m.getStringValue(u.RelayServer, p.RelayServer, "https://ntfy.sh"),
		ICEServers:              firstNonEmpty(p.ICEServers, u.ICEServers),
		DirectPort:              m.getIntValue(u.DirectPort, p.DirectPort, 47851),
		DirectTLS:               m.getBoolValue(u.DirectTLS, p.DirectTLS, false),
		VPNDirectAddr:           m.getStringValue(u.VPNDirectAddr, p.VPNDirectAddr, ""),
		HandlerTimeoutMS:        m.getIntValue(u.HandlerTimeoutMS, p.HandlerTimeoutMS, 5000),
		KeepAliveS:              m.getIntValue(u.KeepAliveS, p.KeepAliveS, 30),
		StaleTimeoutS:           m.getIntValue(u.StaleTimeoutS, p.StaleTimeoutS, 90),
		MaxSessions:             m.getIntValue(u.MaxSessions, p.MaxSessions, 20),
		SessionRateMin:          m.getIntValue(u.SessionRateMin, p.SessionRateMin, 10),
		AllowedDirs:             firstNonEmpty(p.AllowedDirs, u.AllowedDirs),
		DeniedDirs:              firstNonEmpty(p.DeniedDirs, u.DeniedDirs),
		IdleTimeoutS:            m.getIntValue(u.IdleTimeoutS, p.IdleTimeoutS, 0),
		NotifyCooldownS:         m.getIntValue(u.NotifyCooldownS, p.NotifyCooldownS, 5),
		ClipboardMaxImageMB:     m.getIntValue(u.ClipboardMaxImageMB, p.ClipboardMaxImageMB, 5),
		ClipboardTextApprovalKB: m.getIntValue(u.ClipboardTextApprovalKB, p.ClipboardTextApprovalKB, 100),
	}
}

func firstNonEmpty[T any](project, user []T) []T {
	if len(project) > 0 {
		return project
	}
	return user
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getBoolValue(user, project, defaultValue bool) bool {
	if project {
		return project
	}
	if user {
		return user
	}
	return defaultValue
}

func (m *Manager) getIntValue(user, project, defaultValue int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) Get() *Config {
	return m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	configPath := filepath.Join(userConfigDir, "settings.json")
	
	// Ensure directory exists
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	
	return os.WriteFile(configPath, data, 0644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	rasdDir := filepath.Join(projectDir, ".rasd")
	configPath := filepath.Join(rasdDir, "settings.json")

	// Ensure directory exists
	if err := os.MkdirAll(rasdDir, 0755); err != nil {
		return err
	}
	
	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}
	
	return os.WriteFile(configPath, data, 0644)
}