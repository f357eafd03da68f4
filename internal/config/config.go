// Package config loads the YAML settings shared by the command line tools
// and the server, and builds the logger they use.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dektronics/densitometer-desktop-sub000/bridge"
	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/serial"
)

type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Probe   ProbeConfig   `yaml:"probe"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
}

type SerialConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	// Device is the densitometer family: vis or uvvis.
	Device      string        `yaml:"device"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	VID         string        `yaml:"vid"`
	PID         string        `yaml:"pid"`
}

type ProbeConfig struct {
	Enabled         bool          `yaml:"enabled"`
	VendorID        uint16        `yaml:"vendor_id"`
	ProductID       uint16        `yaml:"product_id"`
	ButtonMask      uint8         `yaml:"button_mask"`
	LEDMask         uint8         `yaml:"led_mask"`
	I2CClockKHz     uint16        `yaml:"i2c_clock_khz"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	MeasureOnButton bool          `yaml:"measure_on_button"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// RuntimeInterval is how often goroutine and memory gauges refresh.
	RuntimeInterval time.Duration `yaml:"runtime_interval"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	// History is how many readings are kept in the per-device list.
	History int `yaml:"history"`
}

// LoadConfig reads path on top of the defaults, so a file only needs the
// keys it changes.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg back as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func GetDefaultConfig() *Config {
	sd := serial.DefaultConfig()
	bd := bridge.DefaultConfig()
	pd := probe.DefaultConfig()
	return &Config{
		Serial: SerialConfig{
			Enabled:     true,
			Baud:        sd.Baud,
			Device:      "vis",
			ReadTimeout: sd.ReadTimeout,
			VID:         sd.VID,
			PID:         sd.PID,
		},
		Probe: ProbeConfig{
			VendorID:        bd.VendorID,
			ProductID:       bd.ProductID,
			ButtonMask:      bd.ButtonMask,
			LEDMask:         pd.LEDMask,
			I2CClockKHz:     bd.I2CClockKHz,
			TickInterval:    pd.TickInterval,
			MeasureOnButton: pd.MeasureOnButton,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			RuntimeInterval: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "densitometer",
			Topic:    "densitometer/readings",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Channel:  "densitometer_readings",
			History:  1000,
		},
	}
}

// Validate checks the values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.Serial.Enabled {
		kind, err := c.Serial.DeviceKind()
		if err != nil {
			return fmt.Errorf("serial.device: %w", err)
		}
		if kind == calibration.DeviceProbe {
			return fmt.Errorf("serial.device: %s is not a serial device", kind)
		}
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos: %d out of range", c.MQTT.QoS)
	}
	if c.Redis.History < 0 {
		return fmt.Errorf("redis.history: must not be negative")
	}
	return nil
}

func (s SerialConfig) DeviceKind() (calibration.DeviceKind, error) {
	return calibration.ParseDeviceKind(s.Device)
}

// PortConfig converts the section into the serial package's settings.
func (s SerialConfig) PortConfig() serial.Config {
	pc := serial.DefaultConfig()
	pc.Name = strings.TrimSpace(s.Port)
	if s.Baud > 0 {
		pc.Baud = s.Baud
	}
	if s.ReadTimeout > 0 {
		pc.ReadTimeout = s.ReadTimeout
	}
	if s.VID != "" {
		pc.VID = s.VID
	}
	if s.PID != "" {
		pc.PID = s.PID
	}
	return pc
}

// ProbeSettings converts the section into the probe package's settings.
func (p ProbeConfig) ProbeSettings() probe.Config {
	pc := probe.DefaultConfig()
	if p.VendorID != 0 {
		pc.Bridge.VendorID = p.VendorID
	}
	if p.ProductID != 0 {
		pc.Bridge.ProductID = p.ProductID
	}
	pc.Bridge.ButtonMask = p.ButtonMask
	if p.I2CClockKHz != 0 {
		pc.Bridge.I2CClockKHz = p.I2CClockKHz
	}
	pc.LEDMask = p.LEDMask
	if p.TickInterval > 0 {
		pc.TickInterval = p.TickInterval
	}
	pc.MeasureOnButton = p.MeasureOnButton
	return pc
}

// EnsureSerialPort fills in an empty serial port by auto-detection and, if
// persist is set, writes the result back to configPath.
func EnsureSerialPort(configPath string, cfg *Config, persist bool) (changed bool, err error) {
	return ensureSerialPort(configPath, cfg, persist, serial.AutoDetectPort)
}

func ensureSerialPort(configPath string, cfg *Config, persist bool, detect func(serial.Config) (string, error)) (bool, error) {
	if cfg == nil {
		return false, fmt.Errorf("missing config")
	}
	if strings.TrimSpace(cfg.Serial.Port) != "" {
		return false, nil
	}
	port, err := detect(cfg.Serial.PortConfig())
	if err != nil {
		return false, fmt.Errorf("could not auto-detect serial port: %w", err)
	}
	cfg.Serial.Port = port
	if persist && configPath != "" {
		if err := SaveConfig(configPath, cfg); err != nil {
			return true, err
		}
	}
	return true, nil
}
