package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/internal/domain"
)

// Settings holds the trading parameters. Values are immutable snapshots;
// a new Settings replaces the old one on every update.
type Settings struct {
	// SwapAmount base asset spent per buy, in whole units.
	SwapAmount decimal.Decimal
	// SlippageTolerance percent below the router quote accepted on swaps.
	SlippageTolerance decimal.Decimal
	// EnforceSlippage derives minimum received from SlippageTolerance; otherwise minimum is 0.
	EnforceSlippage bool
	// GasMultiplier percent applied to sampled fees, 120 means x1.20.
	GasMultiplier decimal.Decimal
	// ProfitThreshold percent gain that triggers a sell.
	ProfitThreshold decimal.Decimal
	DeadlineBuffer  time.Duration
	// MinBaseReserve minimum base asset reserve of a pool, in whole units.
	MinBaseReserve decimal.Decimal
	// MaxGasPrice max fee per gas accepted for buys, in gwei.
	MaxGasPrice     decimal.Decimal
	Allowlist       []common.Address
	Denylist        []common.Address
	PollInterval    time.Duration
	MonitorDuration time.Duration
	// MaxSampleFailures consecutive failed price samples before a monitor gives up; 0 disables.
	MaxSampleFailures int
	LedgerDSN         string
	LogDir            string
}

// DefaultSettings returns the built-in trading parameters.
func DefaultSettings() Settings {
	return Settings{
		SwapAmount:        decimal.RequireFromString("0.1"),
		SlippageTolerance: decimal.NewFromInt(5),
		GasMultiplier:     decimal.NewFromInt(120),
		ProfitThreshold:   decimal.NewFromInt(5),
		DeadlineBuffer:    60 * time.Second,
		MinBaseReserve:    decimal.RequireFromString("0.5"),
		MaxGasPrice:       decimal.NewFromInt(200),
		PollInterval:      60 * time.Second,
		LedgerDSN:         "./data/trades.db",
		LogDir:            "./data/logs",
	}
}

// Denied reports whether token is on the deny-list.
func (s Settings) Denied(token common.Address) bool {
	return containsAddress(s.Denylist, token)
}

// Allowed reports whether token passes the allow-list. An empty allow-list allows everything.
func (s Settings) Allowed(token common.Address) bool {
	return len(s.Allowlist) == 0 || containsAddress(s.Allowlist, token)
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

type settingsFile struct {
	SwapAmount        string   `yaml:"swap_amount" json:"swap_amount"`
	SlippageTolerance string   `yaml:"slippage_tolerance" json:"slippage_tolerance"`
	EnforceSlippage   bool     `yaml:"enforce_slippage" json:"enforce_slippage"`
	GasMultiplier     string   `yaml:"gas_multiplier" json:"gas_multiplier"`
	ProfitThreshold   string   `yaml:"profit_threshold" json:"profit_threshold"`
	DeadlineBuffer    string   `yaml:"deadline_buffer" json:"deadline_buffer"`
	MinBaseReserve    string   `yaml:"min_base_reserve" json:"min_base_reserve"`
	MaxGasPrice       string   `yaml:"max_gas_price" json:"max_gas_price"`
	Allowlist         []string `yaml:"allowlist" json:"allowlist"`
	Denylist          []string `yaml:"denylist" json:"denylist"`
	PollInterval      string   `yaml:"poll_interval" json:"poll_interval"`
	MonitorDuration   string   `yaml:"monitor_duration" json:"monitor_duration"`
	MaxSampleFailures string   `yaml:"max_sample_failures" json:"max_sample_failures"`
	LedgerDSN         string   `yaml:"ledger_dsn" json:"ledger_dsn"`
	LogDir            string   `yaml:"log_dir" json:"log_dir"`
}

func (s Settings) toFile() settingsFile {
	return settingsFile{
		SwapAmount:        s.SwapAmount.String(),
		SlippageTolerance: s.SlippageTolerance.String(),
		EnforceSlippage:   s.EnforceSlippage,
		GasMultiplier:     s.GasMultiplier.String(),
		ProfitThreshold:   s.ProfitThreshold.String(),
		DeadlineBuffer:    formatSeconds(s.DeadlineBuffer),
		MinBaseReserve:    s.MinBaseReserve.String(),
		MaxGasPrice:       s.MaxGasPrice.String(),
		Allowlist:         addressStrings(s.Allowlist),
		Denylist:          addressStrings(s.Denylist),
		PollInterval:      formatSeconds(s.PollInterval),
		MonitorDuration:   formatSeconds(s.MonitorDuration),
		MaxSampleFailures: strconv.Itoa(s.MaxSampleFailures),
		LedgerDSN:         s.LedgerDSN,
		LogDir:            s.LogDir,
	}
}

func (f settingsFile) parse() (Settings, error) {
	var (
		s   Settings
		err error
	)
	s.EnforceSlippage = f.EnforceSlippage

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"swap_amount", f.SwapAmount, &s.SwapAmount},
		{"slippage_tolerance", f.SlippageTolerance, &s.SlippageTolerance},
		{"gas_multiplier", f.GasMultiplier, &s.GasMultiplier},
		{"profit_threshold", f.ProfitThreshold, &s.ProfitThreshold},
		{"min_base_reserve", f.MinBaseReserve, &s.MinBaseReserve},
		{"max_gas_price", f.MaxGasPrice, &s.MaxGasPrice},
	}
	for _, d := range decimals {
		if *d.dst, err = parseNonNegative(d.name, d.raw); err != nil {
			return Settings{}, err
		}
	}
	if s.SlippageTolerance.GreaterThan(decimal.NewFromInt(100)) {
		return Settings{}, domain.Errorf(domain.KindConfiguration, "incorrect 'slippage_tolerance' param: %s exceeds 100", s.SlippageTolerance)
	}

	if s.DeadlineBuffer, err = parseSeconds("deadline_buffer", f.DeadlineBuffer); err != nil {
		return Settings{}, err
	}
	if s.PollInterval, err = parseSeconds("poll_interval", f.PollInterval); err != nil {
		return Settings{}, err
	}
	if s.PollInterval <= 0 {
		return Settings{}, domain.Errorf(domain.KindConfiguration, "incorrect 'poll_interval' param: must be greater than zero")
	}
	if s.MonitorDuration, err = parseSeconds("monitor_duration", f.MonitorDuration); err != nil {
		return Settings{}, err
	}

	failures, err := parseNonNegative("max_sample_failures", f.MaxSampleFailures)
	if err != nil {
		return Settings{}, err
	}
	if !failures.IsInteger() {
		return Settings{}, domain.Errorf(domain.KindConfiguration, "incorrect 'max_sample_failures' param: %s is not an integer", failures)
	}
	if failures.GreaterThan(maxSampleFailures) {
		return Settings{}, domain.Errorf(domain.KindConfiguration, "incorrect 'max_sample_failures' param: %s exceeds %s", failures, maxSampleFailures)
	}
	s.MaxSampleFailures = int(failures.IntPart())

	if s.Allowlist, err = parseAddressList("allowlist", f.Allowlist); err != nil {
		return Settings{}, err
	}
	if s.Denylist, err = parseAddressList("denylist", f.Denylist); err != nil {
		return Settings{}, err
	}

	s.LedgerDSN = strings.TrimSpace(f.LedgerDSN)
	s.LogDir = strings.TrimSpace(f.LogDir)
	if s.LedgerDSN == "" {
		return Settings{}, domain.Errorf(domain.KindConfiguration, "'ledger_dsn' is required")
	}
	if s.LogDir == "" {
		return Settings{}, domain.Errorf(domain.KindConfiguration, "'log_dir' is required")
	}

	return s, nil
}

func parseNonNegative(name, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, domain.Wrap(domain.KindConfiguration, err, fmt.Sprintf("incorrect '%s' param (must be a number)", name))
	}
	if d.IsNegative() {
		return decimal.Decimal{}, domain.Errorf(domain.KindConfiguration, "incorrect '%s' param: %s is negative", name, raw)
	}
	return d, nil
}

var (
	// maxSeconds is the longest duration representable by time.Duration.
	maxSeconds        = decimal.NewFromInt(math.MaxInt64).Shift(-9).Floor()
	maxSampleFailures = decimal.NewFromInt(math.MaxInt32)
)

func parseSeconds(name, raw string) (time.Duration, error) {
	d, err := parseNonNegative(name, raw)
	if err != nil {
		return 0, err
	}
	if d.GreaterThan(maxSeconds) {
		return 0, domain.Errorf(domain.KindConfiguration, "incorrect '%s' param: %s seconds exceeds %s", name, raw, maxSeconds)
	}
	return time.Duration(d.Shift(9).IntPart()), nil
}

func formatSeconds(d time.Duration) string {
	return decimal.NewFromInt(int64(d)).Shift(-9).String()
}

func parseAddressList(name string, raw []string) ([]common.Address, error) {
	var out []common.Address
	seen := make(map[common.Address]struct{}, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !common.IsHexAddress(item) {
			return nil, domain.Errorf(domain.KindConfiguration, "incorrect '%s' entry: %q is not a hex address", name, item)
		}
		addr := common.HexToAddress(item)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

func addressStrings(list []common.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Hex())
	}
	return out
}

// Store is the process-wide settings holder. Reads are lock-free snapshots;
// updates are validated in full, persisted, then published.
type Store struct {
	cfg     Config
	current atomic.Pointer[Settings]
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewStore creates a settings store seeded with cfg.Settings. Updates are persisted to cfg.Path.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{cfg: cfg, logger: logger}
	initial := cfg.Settings
	s.current.Store(&initial)
	return s
}

// Get returns the current settings snapshot.
func (s *Store) Get() Settings {
	return *s.current.Load()
}

// Update applies patch, keyed by yaml setting name. The first invalid key or value
// (in key order) rejects the whole patch and leaves the stored settings unchanged.
func (s *Store) Update(patch map[string]any) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.Get().toFile()

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		apply, ok := settingSetters[key]
		if !ok {
			return Settings{}, domain.Errorf(domain.KindConfiguration, "unknown setting %q", key)
		}
		if err := apply(&file, patch[key]); err != nil {
			return Settings{}, domain.Wrap(domain.KindConfiguration, err, fmt.Sprintf("invalid value for %q", key))
		}
	}

	next, err := file.parse()
	if err != nil {
		return Settings{}, err
	}

	if s.cfg.Path != "" {
		cfg := s.cfg
		cfg.Settings = next
		if err := WriteFile(cfg.Path, cfg); err != nil {
			return Settings{}, errors.Wrap(err, "persist settings")
		}
	}

	s.current.Store(&next)
	s.logger.Info("settings updated", zap.Strings("keys", keys))

	return next, nil
}

type setter func(f *settingsFile, v any) error

var settingSetters = map[string]setter{
	"swap_amount":         numeric("swap_amount", func(f *settingsFile) *string { return &f.SwapAmount }),
	"slippage_tolerance":  numeric("slippage_tolerance", func(f *settingsFile) *string { return &f.SlippageTolerance }),
	"gas_multiplier":      numeric("gas_multiplier", func(f *settingsFile) *string { return &f.GasMultiplier }),
	"profit_threshold":    numeric("profit_threshold", func(f *settingsFile) *string { return &f.ProfitThreshold }),
	"deadline_buffer":     numeric("deadline_buffer", func(f *settingsFile) *string { return &f.DeadlineBuffer }),
	"min_base_reserve":    numeric("min_base_reserve", func(f *settingsFile) *string { return &f.MinBaseReserve }),
	"max_gas_price":       numeric("max_gas_price", func(f *settingsFile) *string { return &f.MaxGasPrice }),
	"poll_interval":       numeric("poll_interval", func(f *settingsFile) *string { return &f.PollInterval }),
	"monitor_duration":    numeric("monitor_duration", func(f *settingsFile) *string { return &f.MonitorDuration }),
	"max_sample_failures": numeric("max_sample_failures", func(f *settingsFile) *string { return &f.MaxSampleFailures }),
	"allowlist":           addresses("allowlist", func(f *settingsFile) *[]string { return &f.Allowlist }),
	"denylist":            addresses("denylist", func(f *settingsFile) *[]string { return &f.Denylist }),
	"ledger_dsn":          text(func(f *settingsFile) *string { return &f.LedgerDSN }),
	"log_dir":             text(func(f *settingsFile) *string { return &f.LogDir }),
	"enforce_slippage": func(f *settingsFile, v any) error {
		switch b := v.(type) {
		case bool:
			f.EnforceSlippage = b
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return err
			}
			f.EnforceSlippage = parsed
		default:
			return errors.Errorf("expected boolean, got %T", v)
		}
		return nil
	},
}

func numeric(name string, field func(*settingsFile) *string) setter {
	return func(f *settingsFile, v any) error {
		var raw string
		switch n := v.(type) {
		case string:
			raw = n
		case json.Number:
			raw = n.String()
		case float64:
			raw = strconv.FormatFloat(n, 'f', -1, 64)
		case int:
			raw = strconv.Itoa(n)
		case int64:
			raw = strconv.FormatInt(n, 10)
		default:
			return errors.Errorf("expected number, got %T", v)
		}
		if _, err := parseNonNegative(name, raw); err != nil {
			return err
		}
		*field(f) = raw
		return nil
	}
}

func addresses(name string, field func(*settingsFile) *[]string) setter {
	return func(f *settingsFile, v any) error {
		var list []string
		switch l := v.(type) {
		case string:
			list = strings.Split(l, ",")
		case []string:
			list = l
		case []any:
			for _, item := range l {
				s, ok := item.(string)
				if !ok {
					return errors.Errorf("expected address string, got %T", item)
				}
				list = append(list, s)
			}
		case nil:
		default:
			return errors.Errorf("expected address list, got %T", v)
		}
		if _, err := parseAddressList(name, list); err != nil {
			return err
		}
		*field(f) = list
		return nil
	}
}

func text(field func(*settingsFile) *string) setter {
	return func(f *settingsFile, v any) error {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return errors.Errorf("expected non-empty string, got %v", v)
		}
		*field(f) = s
		return nil
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp config")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp config")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp config")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp config")
	}

	return errors.Wrap(os.Rename(tmp.Name(), path), "replace config")
}

// MarshalJSON renders the settings with the same keys Update accepts.
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toFile())
}
