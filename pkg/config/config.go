package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "rdbg"
	configDirHidden string = ".rdbg"
	configFile      string = "config.yml"
)

// Defaults used when the configuration file does not set a value.
const (
	DefaultChip           = "wormhole"
	DefaultCallstackLimit = 100
	DefaultFDECacheSize   = 256
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Chip is the generation of the attached device (wormhole, blackhole, quasar).
	Chip string `yaml:"chip"`

	// CallstackLimit is the maximum number of frames produced by a stack walk.
	CallstackLimit int `yaml:"callstack-limit"`
	// StopOnMain stops stack walks at the frame of the function called main.
	StopOnMain *bool `yaml:"stop-on-main,omitempty"`
	// OlderFrameFallback selects what an unwind step does when no CFI rule
	// recovers a register of a caller frame: "live" reads the register from
	// hardware, "previous" reuses the callee's value and "none" reports it
	// as unknown.
	OlderFrameFallback string `yaml:"older-frame-fallback"`

	// EnableAsserts makes register and memory accesses fail when the core
	// is not halted.
	EnableAsserts *bool `yaml:"enable-asserts,omitempty"`
	// VerifyDebugReads checks the read valid bit after every debug read.
	VerifyDebugReads *bool `yaml:"debug-read-valid-check,omitempty"`

	// FDECacheSize is the number of established CFI rows kept per image.
	FDECacheSize int `yaml:"fde-cache-size"`

	// ElfOffsets maps an ELF path to the address it was loaded at.
	ElfOffsets map[string]uint64 `yaml:"elf-offsets"`
}

// StopOnMainEnabled reports whether stack walks stop at main.
func (c *Config) StopOnMainEnabled() bool {
	return c.StopOnMain == nil || *c.StopOnMain
}

// AssertsEnabled reports whether halted-state preconditions are checked.
func (c *Config) AssertsEnabled() bool {
	return c.EnableAsserts == nil || *c.EnableAsserts
}

// ReadVerificationEnabled reports whether debug reads check the valid bit.
func (c *Config) ReadVerificationEnabled() bool {
	return c.VerifyDebugReads == nil || *c.VerifyDebugReads
}

func (c *Config) applyDefaults() {
	if c.Chip == "" {
		c.Chip = DefaultChip
	}
	if c.CallstackLimit <= 0 {
		c.CallstackLimit = DefaultCallstackLimit
	}
	if c.FDECacheSize <= 0 {
		c.FDECacheSize = DefaultFDECacheSize
	}
	if c.OlderFrameFallback == "" {
		c.OlderFrameFallback = "live"
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// Problems with the file are reported on stderr and the defaults returned.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return defaultConfig()
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		f, err := os.Create(fullConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return defaultConfig()
		}
		err = writeDefaultConfig(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing default config file: %v\n", err)
			return defaultConfig()
		}
	}

	c, err := Load(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config file: %v.\n", err)
		return defaultConfig()
	}
	return c
}

// Load reads the configuration stored at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a configuration document.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	c.applyDefaults()
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	return os.WriteFile(fullConfigFile, out, 0600)
}

func defaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for rdbg.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Chip generation of the attached device: wormhole, blackhole or quasar.
# chip: wormhole

# Maximum number of frames printed by the callstack command.
# callstack-limit: 100

# Stop walking the stack at the frame of main.
# stop-on-main: true

# Register recovery for caller frames when no CFI rule applies: live, previous or none.
# older-frame-fallback: live

# Fail register and memory accesses on cores that are not halted.
# enable-asserts: true

# Warn when the debug unit reports an invalid read.
# debug-read-valid-check: true

# Number of established CFI rows cached per loaded image.
# fde-cache-size: 256

# Load offsets of ELF images mapped into a core.
elf-offsets:
  # path/to/firmware.elf: 0x0
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, configDir, file), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDirHidden, file), nil
}
