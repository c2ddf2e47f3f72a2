package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/guard"
	"github.com/lox/cryptoroulette/internal/room"
	"github.com/shopspring/decimal"
)

// ServerConfig represents the complete server configuration
type ServerConfig struct {
	Server  ServerSettings   `hcl:"server,block"`
	Game    *GameSettings    `hcl:"game,block"`
	Limits  *LimitSettings   `hcl:"limits,block"`
	Pattern *PatternSettings `hcl:"pattern,block"`
	Room    *RoomSettings    `hcl:"room,block"`
	Storage *StorageSettings `hcl:"storage,block"`
}

// ServerSettings contains server-level configuration
type ServerSettings struct {
	Address  string `hcl:"address,optional"`
	Port     int    `hcl:"port,optional"`
	LogLevel string `hcl:"log_level,optional"`
}

// GameSettings bounds what a session accepts. Amounts are decimal strings.
type GameSettings struct {
	MinBet            string `hcl:"min_bet,optional"`
	MaxBet            string `hcl:"max_bet,optional"`
	MaxSessionStake   string `hcl:"max_session_stake,optional"`
	MaxBetsPerSession int    `hcl:"max_bets_per_session,optional"`
	IdleTimeout       string `hcl:"idle_timeout,optional"`
	SweepInterval     string `hcl:"sweep_interval,optional"`
}

// LimitSettings configures the rate limiter
type LimitSettings struct {
	IPMultiplier int              `hcl:"ip_multiplier,optional"`
	Cooldown     string           `hcl:"cooldown,optional"`
	Windows      []WindowSettings `hcl:"window,block"`
}

// WindowSettings is one sliding window, labelled with its action
type WindowSettings struct {
	Action string `hcl:"action,label"`
	Limit  int    `hcl:"limit"`
	Period string `hcl:"period"`
}

// PatternSettings configures the suspicious pattern detector
type PatternSettings struct {
	History       int     `hcl:"history,optional"`
	RapidCount    int     `hcl:"rapid_count,optional"`
	RapidWindow   string  `hcl:"rapid_window,optional"`
	IdenticalRun  int     `hcl:"identical_run,optional"`
	MinIntervals  int     `hcl:"min_intervals,optional"`
	MaxTimingCV   float64 `hcl:"max_timing_cv,optional"`
	Strikes       int     `hcl:"strikes,optional"`
	StrikeWindow  string  `hcl:"strike_window,optional"`
	BlockDuration string  `hcl:"block_duration,optional"`
	Cooldown      string  `hcl:"cooldown,optional"`
}

// RoomSettings configures the broadcast rooms
type RoomSettings struct {
	SpinDuration  string `hcl:"spin_duration,optional"`
	ChatMaxLength int    `hcl:"chat_max_length,optional"`
	HistoryLimit  int    `hcl:"history_limit,optional"`
}

// StorageSettings selects the session store
type StorageSettings struct {
	Driver string `hcl:"driver,optional"`
	Path   string `hcl:"path,optional"`
}

// Storage drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// EnvOverrides are read after the config file
type EnvOverrides struct {
	Addr     string `env:"ROULETTE_ADDR"`
	LogLevel string `env:"ROULETTE_LOG_LEVEL"`
	DBPath   string `env:"ROULETTE_DB_PATH"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		Server: ServerSettings{
			Address:  "localhost",
			Port:     8080,
			LogLevel: "info",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadServerConfig loads server configuration from HCL file
func LoadServerConfig(filename string) (*ServerConfig, error) {
	// Check if file exists
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultServerConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config ServerConfig
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	config.applyDefaults()
	return &config, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	gd := game.DefaultConfig()
	if c.Game == nil {
		c.Game = &GameSettings{}
	}
	if c.Game.MinBet == "" {
		c.Game.MinBet = gd.MinBet.String()
	}
	if c.Game.MaxBet == "" {
		c.Game.MaxBet = gd.MaxBet.String()
	}
	if c.Game.MaxSessionStake == "" {
		c.Game.MaxSessionStake = gd.MaxSessionStake.String()
	}
	if c.Game.MaxBetsPerSession == 0 {
		c.Game.MaxBetsPerSession = gd.MaxBetsPerSession
	}
	if c.Game.IdleTimeout == "" {
		c.Game.IdleTimeout = gd.IdleTimeout.String()
	}
	if c.Game.SweepInterval == "" {
		c.Game.SweepInterval = gd.SweepInterval.String()
	}

	gdef := guard.DefaultConfig()
	if c.Limits == nil {
		c.Limits = &LimitSettings{}
	}
	if c.Limits.IPMultiplier == 0 {
		c.Limits.IPMultiplier = gdef.IPMultiplier
	}
	if c.Limits.Cooldown == "" {
		c.Limits.Cooldown = gdef.Cooldown.String()
	}

	pd := gdef.Pattern
	if c.Pattern == nil {
		c.Pattern = &PatternSettings{}
	}
	if c.Pattern.History == 0 {
		c.Pattern.History = pd.History
	}
	if c.Pattern.RapidCount == 0 {
		c.Pattern.RapidCount = pd.RapidCount
	}
	if c.Pattern.RapidWindow == "" {
		c.Pattern.RapidWindow = pd.RapidWindow.String()
	}
	if c.Pattern.IdenticalRun == 0 {
		c.Pattern.IdenticalRun = pd.IdenticalRun
	}
	if c.Pattern.MinIntervals == 0 {
		c.Pattern.MinIntervals = pd.MinIntervals
	}
	if c.Pattern.MaxTimingCV == 0 {
		c.Pattern.MaxTimingCV = pd.MaxTimingCV
	}
	if c.Pattern.Strikes == 0 {
		c.Pattern.Strikes = pd.Strikes
	}
	if c.Pattern.StrikeWindow == "" {
		c.Pattern.StrikeWindow = pd.StrikeWindow.String()
	}
	if c.Pattern.BlockDuration == "" {
		c.Pattern.BlockDuration = pd.BlockDuration.String()
	}
	if c.Pattern.Cooldown == "" {
		c.Pattern.Cooldown = pd.Cooldown.String()
	}

	rd := room.DefaultConfig()
	if c.Room == nil {
		c.Room = &RoomSettings{}
	}
	if c.Room.SpinDuration == "" {
		c.Room.SpinDuration = rd.SpinDuration.String()
	}
	if c.Room.ChatMaxLength == 0 {
		c.Room.ChatMaxLength = rd.ChatMaxLength
	}
	if c.Room.HistoryLimit == 0 {
		c.Room.HistoryLimit = rd.HistoryLimit
	}

	if c.Storage == nil {
		c.Storage = &StorageSettings{}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.Path == "" {
		c.Storage.Path = "roulette.db"
	}
}

// ApplyEnv overrides file settings with ROULETTE_* environment variables
func (c *ServerConfig) ApplyEnv() error {
	var o EnvOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Addr != "" {
		if err := c.SetListenAddress(o.Addr); err != nil {
			return fmt.Errorf("ROULETTE_ADDR: %w", err)
		}
	}
	if o.LogLevel != "" {
		c.Server.LogLevel = o.LogLevel
	}
	if o.DBPath != "" {
		c.Storage.Driver = DriverSQLite
		c.Storage.Path = o.DBPath
	}
	return nil
}

// SetListenAddress replaces address and port from a host:port string
func (c *ServerConfig) SetListenAddress(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	c.Server.Address = host
	c.Server.Port = port
	return nil
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Server.LogLevel)
	}

	gc, err := c.EngineConfig()
	if err != nil {
		return err
	}
	if !gc.MinBet.IsPositive() {
		return fmt.Errorf("game: min_bet must be positive")
	}
	if gc.MaxBet.LessThan(gc.MinBet) {
		return fmt.Errorf("game: max_bet must be at least min_bet")
	}
	if gc.MaxSessionStake.LessThan(gc.MaxBet) {
		return fmt.Errorf("game: max_session_stake must be at least max_bet")
	}
	if gc.MaxBetsPerSession < 1 {
		return fmt.Errorf("game: max_bets_per_session must be positive")
	}
	if gc.IdleTimeout <= 0 || gc.SweepInterval <= 0 {
		return fmt.Errorf("game: idle_timeout and sweep_interval must be positive")
	}

	guardCfg, err := c.GuardConfig()
	if err != nil {
		return err
	}
	for action, w := range guardCfg.Windows {
		if w.Limit < 1 || w.Period <= 0 {
			return fmt.Errorf("limits: window %s needs a positive limit and period", action)
		}
	}
	if guardCfg.IPMultiplier < 1 {
		return fmt.Errorf("limits: ip_multiplier must be positive")
	}
	if guardCfg.Pattern.MaxTimingCV < 0 || guardCfg.Pattern.Strikes < 1 {
		return fmt.Errorf("pattern: max_timing_cv must not be negative and strikes must be positive")
	}
	if guardCfg.Pattern.Cooldown <= 0 {
		return fmt.Errorf("pattern: cooldown must be positive")
	}

	rc, err := c.RoomConfig()
	if err != nil {
		return err
	}
	if rc.SpinDuration < 3*time.Second {
		return fmt.Errorf("room: spin_duration must be at least 3s")
	}
	if rc.ChatMaxLength < 1 || rc.HistoryLimit < 1 {
		return fmt.Errorf("room: chat_max_length and history_limit must be positive")
	}
	if rc.ChatMaxLength > room.MaxChatLength {
		return fmt.Errorf("room: chat_max_length must be at most %d", room.MaxChatLength)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: sqlite needs a path")
		}
	default:
		return fmt.Errorf("storage: unknown driver %s", c.Storage.Driver)
	}
	return nil
}

// GetServerAddress returns the full server address
func (c *ServerConfig) GetServerAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// EngineConfig converts the game block
func (c *ServerConfig) EngineConfig() (game.Config, error) {
	var (
		cfg game.Config
		err error
	)
	if cfg.MinBet, err = parseAmount("game.min_bet", c.Game.MinBet); err != nil {
		return cfg, err
	}
	if cfg.MaxBet, err = parseAmount("game.max_bet", c.Game.MaxBet); err != nil {
		return cfg, err
	}
	if cfg.MaxSessionStake, err = parseAmount("game.max_session_stake", c.Game.MaxSessionStake); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = parseDuration("game.idle_timeout", c.Game.IdleTimeout); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = parseDuration("game.sweep_interval", c.Game.SweepInterval); err != nil {
		return cfg, err
	}
	cfg.MaxBetsPerSession = c.Game.MaxBetsPerSession
	return cfg, nil
}

// GuardConfig converts the limits and pattern blocks. Windows not named in
// the file keep their defaults.
func (c *ServerConfig) GuardConfig() (guard.Config, error) {
	cfg := guard.DefaultConfig()
	var err error

	for _, w := range c.Limits.Windows {
		action := guard.Action(w.Action)
		if _, ok := cfg.Windows[action]; !ok {
			return cfg, fmt.Errorf("limits: unknown action %q", w.Action)
		}
		period, err := parseDuration("limits.window."+w.Action+".period", w.Period)
		if err != nil {
			return cfg, err
		}
		cfg.Windows[action] = guard.Window{Limit: w.Limit, Period: period}
	}
	cfg.IPMultiplier = c.Limits.IPMultiplier
	if cfg.Cooldown, err = parseDuration("limits.cooldown", c.Limits.Cooldown); err != nil {
		return cfg, err
	}

	p := c.Pattern
	cfg.Pattern.History = p.History
	cfg.Pattern.RapidCount = p.RapidCount
	cfg.Pattern.IdenticalRun = p.IdenticalRun
	cfg.Pattern.MinIntervals = p.MinIntervals
	cfg.Pattern.MaxTimingCV = p.MaxTimingCV
	cfg.Pattern.Strikes = p.Strikes
	if cfg.Pattern.RapidWindow, err = parseDuration("pattern.rapid_window", p.RapidWindow); err != nil {
		return cfg, err
	}
	if cfg.Pattern.StrikeWindow, err = parseDuration("pattern.strike_window", p.StrikeWindow); err != nil {
		return cfg, err
	}
	if cfg.Pattern.BlockDuration, err = parseDuration("pattern.block_duration", p.BlockDuration); err != nil {
		return cfg, err
	}
	if cfg.Pattern.Cooldown, err = parseDuration("pattern.cooldown", p.Cooldown); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RoomConfig converts the room block
func (c *ServerConfig) RoomConfig() (room.Config, error) {
	spin, err := parseDuration("room.spin_duration", c.Room.SpinDuration)
	if err != nil {
		return room.Config{}, err
	}
	return room.Config{
		SpinDuration:  spin,
		ChatMaxLength: c.Room.ChatMaxLength,
		HistoryLimit:  c.Room.HistoryLimit,
	}, nil
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return d, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}
	return d, nil
}
