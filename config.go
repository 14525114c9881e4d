package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// TernConfig holds all configuration options for the tern engine
type TernConfig struct {
	// Network settings
	InterfaceName string `json:"interface"`
	TunnelAddr    string `json:"tunnelAddr"`
	MTU           int    `json:"mtu"`
	Mark          uint32 `json:"mark"`
	RouteTable    int    `json:"routeTable"`

	// Logging
	LogLevel string `json:"logLevel"`

	// HTTP server
	EnableAPI  bool   `json:"enableApi"`
	APIAddr    string `json:"apiAddr"`
	SocketPath string `json:"socketPath"`

	// Timing
	ReadBound      string `json:"readBound"`
	IdleReflect    string `json:"idleReflect"`
	SocketAlive    string `json:"socketAlive"`
	ConnectTimeout string `json:"connectTimeout"`
	UDPIdle        string `json:"udpIdle"`

	// Policy
	BlockedDomains  []string `json:"blockedDomains"`
	BlockedPorts    []uint16 `json:"blockedPorts"`
	BlockedPrefixes []string `json:"blockedPrefixes"`

	// Parsed values (not in JSON)
	ReadBoundDuration      time.Duration `json:"-"`
	IdleReflectDuration    time.Duration `json:"-"`
	SocketAliveDuration    time.Duration `json:"-"`
	ConnectTimeoutDuration time.Duration `json:"-"`
	UDPIdleDuration        time.Duration `json:"-"`

	// Source tracking (not in JSON)
	sources map[string]string `json:"-"`
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *TernConfig {
	config := &TernConfig{
		InterfaceName:  "tern0",
		TunnelAddr:     "10.111.0.1/24",
		MTU:            1500,
		Mark:           0x7e52,
		RouteTable:     7452,
		LogLevel:       "INFO",
		EnableAPI:      false,
		APIAddr:        "127.0.0.1:9452",
		ReadBound:      "5s",
		IdleReflect:    "30s",
		SocketAlive:    "75s",
		ConnectTimeout: "10s",
		UDPIdle:        "120s",
		sources:        make(map[string]string),
	}

	for _, key := range []string{
		"interface", "tunnelAddr", "mtu", "mark", "routeTable", "logLevel",
		"enableApi", "apiAddr", "readBound", "idleReflect", "socketAlive",
		"connectTimeout", "udpIdle",
	} {
		config.sources[key] = string(SourceDefault)
	}

	return config
}

// getConfigPath returns the path to the tern config file
func getConfigPath() string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		return configFile
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		switch runtime.GOOS {
		case "darwin":
			configDir = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "tern")
		default: // linux and others
			configDir = "/etc/tern"
		}
	}
	return filepath.Join(configDir, "config.json")
}

// LoadConfig loads configuration from file, env vars, and CLI args
// Priority: CLI args > Env vars > Config file > Defaults
// Returns: (config, showVersion, showConfig, error)
func LoadConfig(args []string) (*TernConfig, bool, bool, error) {
	config := DefaultConfig()

	fileConfig, err := loadConfigFromFile()
	if err != nil {
		return nil, false, false, fmt.Errorf("failed to load config file: %w", err)
	}
	if fileConfig != nil {
		mergeConfigs(config, fileConfig)
	}

	loadConfigFromEnv(config)

	showVersion, showConfig, err := loadConfigFromCLI(config, args)
	if err != nil {
		return nil, false, false, err
	}

	if err := config.parseDurations(); err != nil {
		return nil, false, false, err
	}

	return config, showVersion, showConfig, nil
}

// loadConfigFromFile loads configuration from the JSON config file
func loadConfigFromFile() (*TernConfig, error) {
	configPath := getConfigPath()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist, not an error
		}
		return nil, err
	}

	var config TernConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *TernConfig) {
	if val := os.Getenv("TERN_INTERFACE"); val != "" {
		config.InterfaceName = val
		config.sources["interface"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_TUNNEL_ADDR"); val != "" {
		config.TunnelAddr = val
		config.sources["tunnelAddr"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.MTU = mtu
			config.sources["mtu"] = string(SourceEnv)
		} else {
			fmt.Printf("Invalid TERN_MTU value: %s, keeping current value\n", val)
		}
	}
	if val := os.Getenv("TERN_MARK"); val != "" {
		if mark, err := strconv.ParseUint(val, 0, 32); err == nil {
			config.Mark = uint32(mark)
			config.sources["mark"] = string(SourceEnv)
		} else {
			fmt.Printf("Invalid TERN_MARK value: %s, keeping current value\n", val)
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.LogLevel = val
		config.sources["logLevel"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_API_ADDR"); val != "" {
		config.APIAddr = val
		config.sources["apiAddr"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_SOCKET_PATH"); val != "" {
		config.SocketPath = val
		config.sources["socketPath"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_READ_BOUND"); val != "" {
		config.ReadBound = val
		config.sources["readBound"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_IDLE_REFLECT"); val != "" {
		config.IdleReflect = val
		config.sources["idleReflect"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_SOCKET_ALIVE"); val != "" {
		config.SocketAlive = val
		config.sources["socketAlive"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_CONNECT_TIMEOUT"); val != "" {
		config.ConnectTimeout = val
		config.sources["connectTimeout"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_UDP_IDLE"); val != "" {
		config.UDPIdle = val
		config.sources["udpIdle"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_ENABLE_API"); val == "true" {
		config.EnableAPI = true
		config.sources["enableApi"] = string(SourceEnv)
	}
	if val := os.Getenv("TERN_BLOCKED_DOMAINS"); val != "" {
		config.BlockedDomains = strings.Split(val, ",")
		config.sources["blockedDomains"] = string(SourceEnv)
	}
}

// loadConfigFromCLI loads configuration from command-line arguments
func loadConfigFromCLI(config *TernConfig, args []string) (bool, bool, error) {
	serviceFlags := flag.NewFlagSet("tern", flag.ContinueOnError)

	// Store original values to detect changes
	origValues := map[string]interface{}{
		"interface":      config.InterfaceName,
		"tunnelAddr":     config.TunnelAddr,
		"mtu":            config.MTU,
		"mark":           config.Mark,
		"routeTable":     config.RouteTable,
		"logLevel":       config.LogLevel,
		"enableApi":      config.EnableAPI,
		"apiAddr":        config.APIAddr,
		"socketPath":     config.SocketPath,
		"readBound":      config.ReadBound,
		"idleReflect":    config.IdleReflect,
		"socketAlive":    config.SocketAlive,
		"connectTimeout": config.ConnectTimeout,
		"udpIdle":        config.UDPIdle,
	}

	var mark uint64 = uint64(config.Mark)
	serviceFlags.StringVar(&config.InterfaceName, "interface", config.InterfaceName, "Name of the TUN interface")
	serviceFlags.StringVar(&config.TunnelAddr, "tunnel-addr", config.TunnelAddr, "Interface address in CIDR form")
	serviceFlags.IntVar(&config.MTU, "mtu", config.MTU, "MTU to use")
	serviceFlags.Uint64Var(&mark, "mark", mark, "SO_MARK applied to outbound sockets (loop prevention)")
	serviceFlags.IntVar(&config.RouteTable, "route-table", config.RouteTable, "Routing table for the capture default route")
	serviceFlags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR, FATAL)")
	serviceFlags.BoolVar(&config.EnableAPI, "enable-api", config.EnableAPI, "Enable the local HTTP API")
	serviceFlags.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "HTTP API address (e.g., '127.0.0.1:9452')")
	serviceFlags.StringVar(&config.SocketPath, "socket-path", config.SocketPath, "Unix socket for the API instead of TCP")
	serviceFlags.StringVar(&config.ReadBound, "read-bound", config.ReadBound, "Bound on each outbound socket wait")
	serviceFlags.StringVar(&config.IdleReflect, "idle-reflect", config.IdleReflect, "Idle time before reflecting liveness to the client (0 disables)")
	serviceFlags.StringVar(&config.SocketAlive, "socket-alive", config.SocketAlive, "Window within which the socket must have been readable")
	serviceFlags.StringVar(&config.ConnectTimeout, "connect-timeout", config.ConnectTimeout, "Timeout for outbound TCP connects")
	serviceFlags.StringVar(&config.UDPIdle, "udp-idle", config.UDPIdle, "Idle timeout before a UDP pseudo-flow is evicted")

	version := serviceFlags.Bool("version", false, "Print the version")
	showConfig := serviceFlags.Bool("show-config", false, "Show configuration sources and exit")

	if err := serviceFlags.Parse(args); err != nil {
		return false, false, err
	}
	config.Mark = uint32(mark)

	// Track which values were changed by CLI args
	if config.InterfaceName != origValues["interface"].(string) {
		config.sources["interface"] = string(SourceCLI)
	}
	if config.TunnelAddr != origValues["tunnelAddr"].(string) {
		config.sources["tunnelAddr"] = string(SourceCLI)
	}
	if config.MTU != origValues["mtu"].(int) {
		config.sources["mtu"] = string(SourceCLI)
	}
	if config.Mark != origValues["mark"].(uint32) {
		config.sources["mark"] = string(SourceCLI)
	}
	if config.RouteTable != origValues["routeTable"].(int) {
		config.sources["routeTable"] = string(SourceCLI)
	}
	if config.LogLevel != origValues["logLevel"].(string) {
		config.sources["logLevel"] = string(SourceCLI)
	}
	if config.EnableAPI != origValues["enableApi"].(bool) {
		config.sources["enableApi"] = string(SourceCLI)
	}
	if config.APIAddr != origValues["apiAddr"].(string) {
		config.sources["apiAddr"] = string(SourceCLI)
	}
	if config.SocketPath != origValues["socketPath"].(string) {
		config.sources["socketPath"] = string(SourceCLI)
	}
	if config.ReadBound != origValues["readBound"].(string) {
		config.sources["readBound"] = string(SourceCLI)
	}
	if config.IdleReflect != origValues["idleReflect"].(string) {
		config.sources["idleReflect"] = string(SourceCLI)
	}
	if config.SocketAlive != origValues["socketAlive"].(string) {
		config.sources["socketAlive"] = string(SourceCLI)
	}
	if config.ConnectTimeout != origValues["connectTimeout"].(string) {
		config.sources["connectTimeout"] = string(SourceCLI)
	}
	if config.UDPIdle != origValues["udpIdle"].(string) {
		config.sources["udpIdle"] = string(SourceCLI)
	}

	return *version, *showConfig, nil
}

// parseDurations parses the duration strings into time.Duration
func (c *TernConfig) parseDurations() error {
	parse := func(name, value, fallback string) time.Duration {
		if value == "" {
			value = fallback
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			fmt.Printf("Invalid %s value: %s, using default %s\n", name, value, fallback)
			d, _ = time.ParseDuration(fallback)
		}
		return d
	}

	c.ReadBoundDuration = parse("read-bound", c.ReadBound, "5s")
	c.IdleReflectDuration = parse("idle-reflect", c.IdleReflect, "30s")
	c.SocketAliveDuration = parse("socket-alive", c.SocketAlive, "75s")
	c.ConnectTimeoutDuration = parse("connect-timeout", c.ConnectTimeout, "10s")
	c.UDPIdleDuration = parse("udp-idle", c.UDPIdle, "120s")
	return nil
}

// mergeConfigs merges source config into destination (only non-empty values)
// Also tracks that these values came from a file
func mergeConfigs(dest, src *TernConfig) {
	if src.InterfaceName != "" {
		dest.InterfaceName = src.InterfaceName
		dest.sources["interface"] = string(SourceFile)
	}
	if src.TunnelAddr != "" {
		dest.TunnelAddr = src.TunnelAddr
		dest.sources["tunnelAddr"] = string(SourceFile)
	}
	if src.MTU != 0 {
		dest.MTU = src.MTU
		dest.sources["mtu"] = string(SourceFile)
	}
	if src.Mark != 0 {
		dest.Mark = src.Mark
		dest.sources["mark"] = string(SourceFile)
	}
	if src.RouteTable != 0 {
		dest.RouteTable = src.RouteTable
		dest.sources["routeTable"] = string(SourceFile)
	}
	if src.LogLevel != "" {
		dest.LogLevel = src.LogLevel
		dest.sources["logLevel"] = string(SourceFile)
	}
	if src.APIAddr != "" {
		dest.APIAddr = src.APIAddr
		dest.sources["apiAddr"] = string(SourceFile)
	}
	if src.SocketPath != "" {
		dest.SocketPath = src.SocketPath
		dest.sources["socketPath"] = string(SourceFile)
	}
	if src.ReadBound != "" {
		dest.ReadBound = src.ReadBound
		dest.sources["readBound"] = string(SourceFile)
	}
	if src.IdleReflect != "" {
		dest.IdleReflect = src.IdleReflect
		dest.sources["idleReflect"] = string(SourceFile)
	}
	if src.SocketAlive != "" {
		dest.SocketAlive = src.SocketAlive
		dest.sources["socketAlive"] = string(SourceFile)
	}
	if src.ConnectTimeout != "" {
		dest.ConnectTimeout = src.ConnectTimeout
		dest.sources["connectTimeout"] = string(SourceFile)
	}
	if src.UDPIdle != "" {
		dest.UDPIdle = src.UDPIdle
		dest.sources["udpIdle"] = string(SourceFile)
	}
	if len(src.BlockedDomains) > 0 {
		dest.BlockedDomains = src.BlockedDomains
		dest.sources["blockedDomains"] = string(SourceFile)
	}
	if len(src.BlockedPorts) > 0 {
		dest.BlockedPorts = src.BlockedPorts
		dest.sources["blockedPorts"] = string(SourceFile)
	}
	if len(src.BlockedPrefixes) > 0 {
		dest.BlockedPrefixes = src.BlockedPrefixes
		dest.sources["blockedPrefixes"] = string(SourceFile)
	}
	// For booleans, we always take the source value if explicitly set
	if src.EnableAPI {
		dest.EnableAPI = src.EnableAPI
		dest.sources["enableApi"] = string(SourceFile)
	}
}

// ShowConfig prints the configuration and the source of each value
func (c *TernConfig) ShowConfig() {
	configPath := getConfigPath()

	fmt.Println("\n=== Tern Configuration ===")
	fmt.Printf("Config File: %s\n", configPath)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config File Status: exists\n")
	} else {
		fmt.Printf("Config File Status: not found\n")
	}

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}

	fmt.Println("\nNetwork:")
	fmt.Printf("  interface       = %s [%s]\n", c.InterfaceName, getSource("interface"))
	fmt.Printf("  tunnel-addr     = %s [%s]\n", c.TunnelAddr, getSource("tunnelAddr"))
	fmt.Printf("  mtu             = %d [%s]\n", c.MTU, getSource("mtu"))
	fmt.Printf("  mark            = %#x [%s]\n", c.Mark, getSource("mark"))
	fmt.Printf("  route-table     = %d [%s]\n", c.RouteTable, getSource("routeTable"))

	fmt.Println("\nLogging:")
	fmt.Printf("  log-level       = %s [%s]\n", c.LogLevel, getSource("logLevel"))

	fmt.Println("\nAPI:")
	fmt.Printf("  enable-api      = %v [%s]\n", c.EnableAPI, getSource("enableApi"))
	fmt.Printf("  api-addr        = %s [%s]\n", c.APIAddr, getSource("apiAddr"))
	if c.SocketPath != "" {
		fmt.Printf("  socket-path     = %s [%s]\n", c.SocketPath, getSource("socketPath"))
	}

	fmt.Println("\nTiming:")
	fmt.Printf("  read-bound      = %s [%s]\n", c.ReadBound, getSource("readBound"))
	fmt.Printf("  idle-reflect    = %s [%s]\n", c.IdleReflect, getSource("idleReflect"))
	fmt.Printf("  socket-alive    = %s [%s]\n", c.SocketAlive, getSource("socketAlive"))
	fmt.Printf("  connect-timeout = %s [%s]\n", c.ConnectTimeout, getSource("connectTimeout"))
	fmt.Printf("  udp-idle        = %s [%s]\n", c.UDPIdle, getSource("udpIdle"))

	fmt.Println("\nPolicy:")
	fmt.Printf("  blocked-domains  = %v [%s]\n", c.BlockedDomains, getSource("blockedDomains"))
	fmt.Printf("  blocked-ports    = %v [%s]\n", c.BlockedPorts, getSource("blockedPorts"))
	fmt.Printf("  blocked-prefixes = %v [%s]\n", c.BlockedPrefixes, getSource("blockedPrefixes"))

	fmt.Println("\nPriority: cli > environment > file > default")
	fmt.Println()
}
