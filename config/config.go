package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/sniper/internal/domain"
)

const (
	DefaultPath           = "config.yaml"
	defaultHTTPAddr       = ":3001"
	defaultConfirmTimeout = 2 * time.Minute
	defaultWorkers        = 8

	envPrivateKey = "PRIVATE_KEY"
	envRPCURL     = "RPC_URL"
	envFactory    = "FACTORY_ADDRESS"
	envRouter     = "ROUTER_ADDRESS"
	envBaseToken  = "BASE_TOKEN_ADDRESS"
)

// Config is the static process configuration. Only Settings may change at runtime.
type Config struct {
	// Path of the yaml file settings are persisted to.
	Path string
	// RunSetup launches the interactive wizard before starting.
	RunSetup bool
	// AutoStart starts the bot without waiting for the control surface.
	AutoStart bool

	RPCURL     string
	PrivateKey string
	Factory    common.Address
	Router     common.Address
	BaseToken  common.Address

	HTTPAddr       string
	ConfirmTimeout time.Duration
	Workers        int

	Settings Settings
}

type networkFile struct {
	RPCURL         string `yaml:"rpc_url"`
	Factory        string `yaml:"factory"`
	Router         string `yaml:"router"`
	BaseToken      string `yaml:"base_token"`
	ConfirmTimeout string `yaml:"confirm_timeout,omitempty"`
}

// fileConfig mirrors the yaml layout; numeric values are kept as strings.
type fileConfig struct {
	Network  networkFile  `yaml:"network"`
	HTTPAddr string       `yaml:"http_addr,omitempty"`
	Workers  int          `yaml:"workers,omitempty"`
	Settings settingsFile `yaml:"settings"`
}

// Get parses command-line flags, loads .env and the yaml config.
func Get() (Config, error) {
	path := flag.String("config", DefaultPath, "path to yaml config")
	setup := flag.Bool("setup", false, "run interactive configuration wizard")
	autostart := flag.Bool("autostart", false, "start sniping immediately instead of waiting for POST /api/start")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	if *setup {
		return Config{Path: *path, RunSetup: true, AutoStart: *autostart}, nil
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoStart = *autostart
	return cfg, nil
}

// Load reads the yaml config at path and applies environment overrides.
// A missing file yields default settings.
func Load(path string) (Config, error) {
	raw := defaultFileConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, domain.Wrap(domain.KindConfiguration, err, "parse yaml config")
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, errors.Wrap(err, "read yaml config")
	}

	applyEnv(&raw.Network)

	return fromFile(path, raw)
}

func applyEnv(n *networkFile) {
	if v := os.Getenv(envRPCURL); v != "" {
		n.RPCURL = v
	}
	if v := os.Getenv(envFactory); v != "" {
		n.Factory = v
	}
	if v := os.Getenv(envRouter); v != "" {
		n.Router = v
	}
	if v := os.Getenv(envBaseToken); v != "" {
		n.BaseToken = v
	}
}

func fromFile(path string, raw fileConfig) (Config, error) {
	cfg := Config{
		Path:       path,
		RPCURL:     raw.Network.RPCURL,
		PrivateKey: strings.TrimPrefix(strings.TrimSpace(os.Getenv(envPrivateKey)), "0x"),
		HTTPAddr:   raw.HTTPAddr,
		Workers:    raw.Workers,
	}
	if cfg.RPCURL == "" {
		return Config{}, domain.Errorf(domain.KindConfiguration, "'rpc_url' is required (yaml network.rpc_url or %s)", envRPCURL)
	}

	var err error
	if cfg.Factory, err = parseAddress("factory", raw.Network.Factory); err != nil {
		return Config{}, err
	}
	if cfg.Router, err = parseAddress("router", raw.Network.Router); err != nil {
		return Config{}, err
	}
	if cfg.BaseToken, err = parseAddress("base_token", raw.Network.BaseToken); err != nil {
		return Config{}, err
	}

	cfg.ConfirmTimeout = defaultConfirmTimeout
	if raw.Network.ConfirmTimeout != "" {
		cfg.ConfirmTimeout, err = time.ParseDuration(raw.Network.ConfirmTimeout)
		if err != nil || cfg.ConfirmTimeout <= 0 {
			return Config{}, domain.Errorf(domain.KindConfiguration, "incorrect 'confirm_timeout' param in yaml config: %q", raw.Network.ConfirmTimeout)
		}
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	cfg.Settings, err = raw.Settings.parse()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseAddress(name, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, domain.Errorf(domain.KindConfiguration, "incorrect '%s' param in yaml config: %q is not a hex address", name, s)
	}
	return common.HexToAddress(s), nil
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		HTTPAddr: defaultHTTPAddr,
		Workers:  defaultWorkers,
		Settings: DefaultSettings().toFile(),
	}
}

func (c Config) toFile() fileConfig {
	f := fileConfig{
		Network: networkFile{
			RPCURL:    c.RPCURL,
			Factory:   c.Factory.Hex(),
			Router:    c.Router.Hex(),
			BaseToken: c.BaseToken.Hex(),
		},
		HTTPAddr: c.HTTPAddr,
		Workers:  c.Workers,
		Settings: c.Settings.toFile(),
	}
	if c.ConfirmTimeout > 0 {
		f.Network.ConfirmTimeout = c.ConfirmTimeout.String()
	}
	return f
}

// WriteFile renders cfg as yaml at path. Secrets are never written.
func WriteFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg.toFile())
	if err != nil {
		return errors.Wrap(err, "marshal yaml config")
	}
	return writeAtomic(path, data)
}

// String renders the config for logs. Only the scheme and host of the RPC endpoint
// are shown since providers embed API keys in the path or query.
func (c Config) String() string {
	return fmt.Sprintf("rpc=%s factory=%s router=%s base=%s http=%s", redactURL(c.RPCURL), c.Factory.Hex(), c.Router.Hex(), c.BaseToken.Hex(), c.HTTPAddr)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<redacted>"
	}
	return u.Scheme + "://" + u.Hostname()
}
