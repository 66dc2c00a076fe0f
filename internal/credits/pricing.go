// Package credits meters chat messages: it prices each message from the
// configured schedule and moves credits on and off user balances.
package credits

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/config"

	"gopkg.in/yaml.v3"
)

// Window is a half-open range of local hours [Start, End). A window with
// Start > End wraps past midnight.
type Window struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// ParseWindow reads "18-23". An empty string yields the zero window, which
// contains no hours.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("hour window %q: expected START-END", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Window{}, fmt.Errorf("hour window %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Window{}, fmt.Errorf("hour window %q: %w", s, err)
	}
	w := Window{Start: start, End: end}
	return w, w.validate()
}

func (w Window) validate() error {
	if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 24 {
		return fmt.Errorf("hour window %d-%d out of range", w.Start, w.End)
	}
	return nil
}

// Contains reports whether hour falls inside the window.
func (w Window) Contains(hour int) bool {
	switch {
	case w.Start == w.End:
		return false
	case w.Start < w.End:
		return hour >= w.Start && hour < w.End
	default:
		return hour >= w.Start || hour < w.End
	}
}

// Pricing is the full message price schedule.
type Pricing struct {
	FreeMessages       int
	BaseCost           domain.Credits
	FeaturedMultiplier float64
	PeakMultiplier     float64
	OffPeakMultiplier  float64
	Peak               Window
	OffPeak            Window
	Location           *time.Location
	TierDiscounts      map[domain.Tier]float64
}

// DefaultTierDiscounts are applied when no override is configured.
func DefaultTierDiscounts() map[domain.Tier]float64 {
	return map[domain.Tier]float64{
		domain.TierStandard: 1.0,
		domain.TierSilver:   0.95,
		domain.TierGold:     0.9,
		domain.TierPlatinum: 0.8,
	}
}

// pricingFile is the optional YAML overlay loaded from PRICING_CONFIG_PATH.
type pricingFile struct {
	FreeMessages       *int               `yaml:"free_messages"`
	BaseCost           *int64             `yaml:"base_cost"`
	FeaturedMultiplier *float64           `yaml:"featured_multiplier"`
	PeakMultiplier     *float64           `yaml:"peak_multiplier"`
	OffPeakMultiplier  *float64           `yaml:"off_peak_multiplier"`
	Peak               *Window            `yaml:"peak"`
	OffPeak            *Window            `yaml:"off_peak"`
	Timezone           *string            `yaml:"timezone"`
	TierDiscounts      map[string]float64 `yaml:"tier_discounts"`
}

// LoadPricing builds the schedule from env config and applies the YAML
// overlay when a path is configured.
func LoadPricing(cfg config.PricingConfig) (Pricing, error) {
	peak, err := ParseWindow(cfg.GetPeakHours())
	if err != nil {
		return Pricing{}, err
	}
	offPeak, err := ParseWindow(cfg.GetOffPeakHours())
	if err != nil {
		return Pricing{}, err
	}

	p := Pricing{
		FreeMessages:       cfg.GetFreeMessagesCount(),
		BaseCost:           domain.Credits(cfg.GetBaseMessageCost()),
		FeaturedMultiplier: cfg.GetFeaturedMultiplier(),
		PeakMultiplier:     cfg.GetPeakMultiplier(),
		OffPeakMultiplier:  cfg.GetOffPeakMultiplier(),
		Peak:               peak,
		OffPeak:            offPeak,
		TierDiscounts:      DefaultTierDiscounts(),
	}
	tz := cfg.GetPricingTimezone()

	if path := cfg.GetPricingConfigPath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Pricing{}, fmt.Errorf("read pricing file: %w", err)
		}
		var f pricingFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Pricing{}, fmt.Errorf("parse pricing file: %w", err)
		}
		if err := p.overlay(f); err != nil {
			return Pricing{}, err
		}
		if f.Timezone != nil {
			tz = *f.Timezone
		}
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Pricing{}, fmt.Errorf("pricing timezone: %w", err)
	}
	p.Location = loc
	return p, p.Validate()
}

func (p *Pricing) overlay(f pricingFile) error {
	if f.FreeMessages != nil {
		p.FreeMessages = *f.FreeMessages
	}
	if f.BaseCost != nil {
		p.BaseCost = domain.Credits(*f.BaseCost)
	}
	if f.FeaturedMultiplier != nil {
		p.FeaturedMultiplier = *f.FeaturedMultiplier
	}
	if f.PeakMultiplier != nil {
		p.PeakMultiplier = *f.PeakMultiplier
	}
	if f.OffPeakMultiplier != nil {
		p.OffPeakMultiplier = *f.OffPeakMultiplier
	}
	if f.Peak != nil {
		p.Peak = *f.Peak
	}
	if f.OffPeak != nil {
		p.OffPeak = *f.OffPeak
	}
	for name, discount := range f.TierDiscounts {
		tier, err := domain.ParseTier(name)
		if err != nil {
			return fmt.Errorf("pricing file: %w", err)
		}
		p.TierDiscounts[tier] = discount
	}
	return nil
}

// Validate rejects schedules that could produce negative or undefined prices.
func (p Pricing) Validate() error {
	if p.FreeMessages < 0 {
		return fmt.Errorf("free messages must be >= 0")
	}
	if p.BaseCost < 0 {
		return fmt.Errorf("base cost must be >= 0")
	}
	for name, m := range map[string]float64{
		"featured": p.FeaturedMultiplier,
		"peak":     p.PeakMultiplier,
		"off-peak": p.OffPeakMultiplier,
	} {
		if m <= 0 {
			return fmt.Errorf("%s multiplier must be > 0", name)
		}
	}
	if err := p.Peak.validate(); err != nil {
		return err
	}
	if err := p.OffPeak.validate(); err != nil {
		return err
	}
	for tier, d := range p.TierDiscounts {
		if d <= 0 || d > 1 {
			return fmt.Errorf("tier %s discount %v must be in (0, 1]", tier, d)
		}
	}
	return nil
}

// TimeMultiplier returns the peak, off-peak or neutral multiplier for at.
// Peak wins when the windows overlap.
func (p Pricing) TimeMultiplier(at time.Time) float64 {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := at.In(loc).Hour()
	switch {
	case p.Peak.Contains(hour):
		return p.PeakMultiplier
	case p.OffPeak.Contains(hour):
		return p.OffPeakMultiplier
	default:
		return 1
	}
}

// TierDiscount returns the discount for tier; unknown tiers pay full price.
func (p Pricing) TierDiscount(tier domain.Tier) float64 {
	if d, ok := p.TierDiscounts[tier]; ok {
		return d
	}
	return 1
}

// Cost prices the messageIndex-th user message of a chat (1-based).
func (p Pricing) Cost(messageIndex int, tier domain.Tier, isFeatured bool, at time.Time) domain.Credits {
	if messageIndex <= p.FreeMessages {
		return 0
	}
	featured := 1.0
	if isFeatured {
		featured = p.FeaturedMultiplier
	}
	raw := float64(p.BaseCost) * p.TimeMultiplier(at) * featured * p.TierDiscount(tier)
	return domain.Credits(math.Round(raw))
}
