// Package config loads simulation scenarios from YAML files. A scenario
// describes the area hierarchy, the grid fee model, balancing-market
// settings and the tick schedule.
package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FeeModelConstant and FeeModelPercentage name the supported grid fee
// models.
const (
	FeeModelConstant   = "constant"
	FeeModelPercentage = "percentage"
)

// Config is a complete simulation scenario.
type Config struct {
	Simulation Simulation `yaml:"simulation"`
	Fees       Fees       `yaml:"fees"`
	Balancing  Balancing  `yaml:"balancing"`
	Area       Area       `yaml:"area"`
}

// Simulation holds the tick schedule.
type Simulation struct {
	Slots           int `yaml:"slots"`
	TicksPerSlot    int `yaml:"ticks_per_slot"`
	MinOfferAge     int `yaml:"min_offer_age"`
	PastMarketsKept int `yaml:"past_markets_kept"`
}

// Fees selects the grid fee model and its rate. Rate is a decimal string
// so scenario files never go through binary floating point.
type Fees struct {
	Model string `yaml:"model"`
	Rate  string `yaml:"rate"`
}

// RateDecimal parses the configured fee rate.
func (f Fees) RateDecimal() (decimal.Decimal, error) {
	if f.Rate == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(f.Rate)
}

// Balancing configures the balancing-market layer. Devices seeds the
// device registry.
type Balancing struct {
	Enabled bool     `yaml:"enabled"`
	Devices []string `yaml:"devices"`
}

// Area is one node of the grid hierarchy. Non-leaf areas run a market;
// leaf areas are devices that place orders into their parent's market.
type Area struct {
	Name     string  `yaml:"name"`
	GridFee  string  `yaml:"grid_fee,omitempty"`
	Children []Area  `yaml:"children,omitempty"`
	Offers   []Order `yaml:"offers,omitempty"`
	Bids     []Order `yaml:"bids,omitempty"`
}

// Order is a scripted order a device places at the start of each slot.
type Order struct {
	Price     string `yaml:"price"`
	Energy    string `yaml:"energy"`
	Balancing bool   `yaml:"balancing,omitempty"`
}

// PriceDecimal parses the order price.
func (o Order) PriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(o.Price)
}

// EnergyDecimal parses the order energy.
func (o Order) EnergyDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(o.Energy)
}

// Load reads and validates a scenario file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates scenario YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Simulation.Slots == 0 {
		c.Simulation.Slots = 24
	}
	if c.Simulation.TicksPerSlot == 0 {
		c.Simulation.TicksPerSlot = 10
	}
	if c.Simulation.PastMarketsKept == 0 {
		c.Simulation.PastMarketsKept = 1
	}
	if c.Fees.Model == "" {
		c.Fees.Model = FeeModelConstant
	}
}

// Validate checks scenario consistency.
func (c *Config) Validate() error {
	if c.Simulation.Slots < 1 {
		return fmt.Errorf("config: slots must be positive, got %d", c.Simulation.Slots)
	}
	if c.Simulation.TicksPerSlot < 1 {
		return fmt.Errorf("config: ticks_per_slot must be positive, got %d", c.Simulation.TicksPerSlot)
	}
	if c.Simulation.MinOfferAge < 0 {
		return fmt.Errorf("config: min_offer_age must not be negative, got %d", c.Simulation.MinOfferAge)
	}
	if c.Fees.Model != FeeModelConstant && c.Fees.Model != FeeModelPercentage {
		return fmt.Errorf("config: unknown fee model %q", c.Fees.Model)
	}
	if _, err := c.Fees.RateDecimal(); err != nil {
		return fmt.Errorf("config: invalid fee rate %q: %w", c.Fees.Rate, err)
	}
	if c.Area.Name == "" {
		return fmt.Errorf("config: root area needs a name")
	}
	return validateArea(c.Area, map[string]bool{})
}

func validateArea(a Area, seen map[string]bool) error {
	if seen[a.Name] {
		return fmt.Errorf("config: duplicate area name %q", a.Name)
	}
	seen[a.Name] = true

	if len(a.Children) > 0 && (len(a.Offers) > 0 || len(a.Bids) > 0) {
		return fmt.Errorf("config: area %q cannot both have children and place orders", a.Name)
	}
	if a.GridFee != "" {
		if _, err := decimal.NewFromString(a.GridFee); err != nil {
			return fmt.Errorf("config: area %q: invalid grid fee %q: %w", a.Name, a.GridFee, err)
		}
	}
	for _, o := range append(append([]Order{}, a.Offers...), a.Bids...) {
		if _, err := o.PriceDecimal(); err != nil {
			return fmt.Errorf("config: area %q: invalid order price %q: %w", a.Name, o.Price, err)
		}
		if _, err := o.EnergyDecimal(); err != nil {
			return fmt.Errorf("config: area %q: invalid order energy %q: %w", a.Name, o.Energy, err)
		}
	}
	for _, child := range a.Children {
		if err := validateArea(child, seen); err != nil {
			return err
		}
	}
	return nil
}

// GridFeeDecimal returns the area's fee override, or ok=false when the
// scenario-wide rate applies.
func (a Area) GridFeeDecimal() (decimal.Decimal, bool) {
	if a.GridFee == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(a.GridFee)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Leaf reports whether the area is a device.
func (a Area) Leaf() bool { return len(a.Children) == 0 }
