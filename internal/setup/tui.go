// Package setup runs the interactive configuration wizard.
package setup

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sniper/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers holds the raw wizard input.
type answers struct {
	rpcURL    string
	factory   string
	router    string
	baseToken string

	swapAmount      string
	slippage        string
	enforceSlippage bool
	gasMultiplier   string
	profitThreshold string
	minBaseReserve  string
	maxGasPrice     string
	pollInterval    string
	denylist        string
	allowlist       string
}

func defaultAnswers() answers {
	s := config.DefaultSettings()
	return answers{
		swapAmount:      s.SwapAmount.String(),
		slippage:        s.SlippageTolerance.String(),
		gasMultiplier:   s.GasMultiplier.String(),
		profitThreshold: s.ProfitThreshold.String(),
		minBaseReserve:  s.MinBaseReserve.String(),
		maxGasPrice:     s.MaxGasPrice.String(),
		pollInterval:    s.PollInterval.String(),
	}
}

func header(step string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render("SNIPER CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	header("STEP 1: NETWORK")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("The wallet key is read from PRIVATE_KEY and never written to the config.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Node RPC URL").
				Description("Websocket endpoint, e.g. wss://mainnet.infura.io/ws/v3/<key>").
				Value(&a.rpcURL).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("rpc url cannot be empty")
					}
					return nil
				}),
			huh.NewInput().Title("Factory address").Value(&a.factory).Validate(validateAddress),
			huh.NewInput().Title("Router address").Value(&a.router).Validate(validateAddress),
			huh.NewInput().Title("Base token address").Description("Wrapped native token").Value(&a.baseToken).Validate(validateAddress),
		),
	).Run()
	if err != nil {
		return err
	}

	header("STEP 2: TRADING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Swap amount").Description("Base asset spent per buy").Value(&a.swapAmount).Validate(validateNumber),
			huh.NewInput().Title("Profit threshold %").Value(&a.profitThreshold).Validate(validateNumber),
			huh.NewInput().Title("Minimum base reserve").Description("Whole base asset units in the pool").Value(&a.minBaseReserve).Validate(validateNumber),
			huh.NewConfirm().Title("Enforce slippage?").Description("No means minimum received is 0").Value(&a.enforceSlippage),
			huh.NewInput().Title("Slippage tolerance %").Value(&a.slippage).Validate(validateNumber),
		),
	).Run()
	if err != nil {
		return err
	}

	header("STEP 3: GAS AND MONITORING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Gas multiplier %").Description("120 means x1.20").Value(&a.gasMultiplier).Validate(validateNumber),
			huh.NewInput().Title("Max gas price (gwei)").Description("0 disables the guard").Value(&a.maxGasPrice).Validate(validateNumber),
			huh.NewInput().
				Title("Price poll interval").
				Description("Duration string (e.g. 10s, 1m)").
				Value(&a.pollInterval).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil {
						return err
					}
					if d <= 0 {
						return fmt.Errorf("must be greater than zero")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	header("STEP 4: TOKEN LISTS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewText().Title("Deny-list").Description("Comma separated addresses").Value(&a.denylist),
			huh.NewText().Title("Allow-list").Description("Comma separated addresses, empty allows all").Value(&a.allowlist),
		),
	).Run()
	if err != nil {
		return err
	}

	header("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"RPC: %s\nFactory: %s\nRouter: %s\nBase: %s\nSwap: %s\nProfit: %s%%\nPoll: %s\n",
		a.rpcURL, a.factory, a.router, a.baseToken, a.swapAmount, a.profitThreshold, a.pollInterval,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	if _, err := save(path, a); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting bot...", path)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

// save validates the answers through the settings store and persists them to path.
func save(path string, a answers) (config.Config, error) {
	cfg := config.Config{
		Path:      path,
		RPCURL:    strings.TrimSpace(a.rpcURL),
		Factory:   common.HexToAddress(strings.TrimSpace(a.factory)),
		Router:    common.HexToAddress(strings.TrimSpace(a.router)),
		BaseToken: common.HexToAddress(strings.TrimSpace(a.baseToken)),
		Settings:  config.DefaultSettings(),
	}

	poll, err := time.ParseDuration(a.pollInterval)
	if err != nil {
		return config.Config{}, errors.Wrap(err, "poll interval")
	}

	patch := map[string]any{
		"swap_amount":        a.swapAmount,
		"slippage_tolerance": a.slippage,
		"enforce_slippage":   a.enforceSlippage,
		"gas_multiplier":     a.gasMultiplier,
		"profit_threshold":   a.profitThreshold,
		"min_base_reserve":   a.minBaseReserve,
		"max_gas_price":      a.maxGasPrice,
		"poll_interval":      decimal.NewFromFloat(poll.Seconds()).String(),
		"denylist":           oneLine(a.denylist),
		"allowlist":          oneLine(a.allowlist),
	}

	settings, err := config.NewStore(cfg, nil).Update(patch)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Settings = settings
	return cfg, nil
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", ","), " ", "")
}

func validateAddress(s string) error {
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return fmt.Errorf("must be a hex address")
	}
	return nil
}

func validateNumber(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}
