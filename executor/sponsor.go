package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ErrSponsorCapExceeded is returned when a paymaster reservation would breach
// either the per-operation or the daily cap.
var ErrSponsorCapExceeded = errors.New("executor: sponsor cap exceeded")

// sponsorCapSchemaVersion pins the accepted configuration schema.
const sponsorCapSchemaVersion = 1

type sponsorCapConfig struct {
	SchemaVersion int    `json:"schema_version"`
	PerOpCapWei   string `json:"per_op_cap_wei"`
	DailyCapWei   string `json:"daily_cap_wei"`
}

// SponsorCapGuard bounds paymaster gas sponsorship for smart-account flows:
// a per-operation cap and a rolling daily cap per chain.
type SponsorCapGuard struct {
	perOp *big.Int
	daily *big.Int
	clock func() time.Time

	mu    sync.Mutex
	spent map[string]*big.Int
	day   time.Time
}

// ParseSponsorCaps decodes the JSON cap configuration. Unknown schema
// versions are rejected rather than guessed at.
func ParseSponsorCaps(raw string) (*SponsorCapGuard, error) {
	var cfg sponsorCapConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("executor: parse sponsor caps: %w", err)
	}
	if cfg.SchemaVersion != sponsorCapSchemaVersion {
		return nil, fmt.Errorf("executor: unsupported sponsor cap schema_version %d", cfg.SchemaVersion)
	}
	perOp, ok := new(big.Int).SetString(strings.TrimSpace(cfg.PerOpCapWei), 10)
	if !ok || perOp.Sign() <= 0 {
		return nil, fmt.Errorf("executor: invalid per_op_cap_wei %q", cfg.PerOpCapWei)
	}
	daily, ok := new(big.Int).SetString(strings.TrimSpace(cfg.DailyCapWei), 10)
	if !ok || daily.Sign() <= 0 {
		return nil, fmt.Errorf("executor: invalid daily_cap_wei %q", cfg.DailyCapWei)
	}
	return NewSponsorCapGuard(perOp, daily), nil
}

// NewSponsorCapGuard constructs a guard with the given caps in wei.
func NewSponsorCapGuard(perOp, daily *big.Int) *SponsorCapGuard {
	return &SponsorCapGuard{
		perOp: new(big.Int).Set(perOp),
		daily: new(big.Int).Set(daily),
		clock: time.Now,
		spent: make(map[string]*big.Int),
	}
}

// SetClock overrides the time source for deterministic tests.
func (g *SponsorCapGuard) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

func (g *SponsorCapGuard) rollover(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.day) {
		g.day = day
		g.spent = make(map[string]*big.Int)
	}
}

// Reserve accounts estimatedCostWei against the chain's daily budget. It
// fails when the operation alone exceeds the per-op cap or the day's running
// total would exceed the daily cap.
func (g *SponsorCapGuard) Reserve(chain string, estimatedCostWei *big.Int) error {
	if estimatedCostWei == nil || estimatedCostWei.Sign() < 0 {
		return fmt.Errorf("executor: invalid sponsor cost")
	}
	if estimatedCostWei.Cmp(g.perOp) > 0 {
		return fmt.Errorf("%w: per-op cap %s wei, requested %s", ErrSponsorCapExceeded, g.perOp, estimatedCostWei)
	}
	key := strings.ToLower(strings.TrimSpace(chain))
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.clock())
	spent := g.spent[key]
	if spent == nil {
		spent = big.NewInt(0)
	}
	projected := new(big.Int).Add(spent, estimatedCostWei)
	if projected.Cmp(g.daily) > 0 {
		return fmt.Errorf("%w: daily cap %s wei, projected %s", ErrSponsorCapExceeded, g.daily, projected)
	}
	g.spent[key] = projected
	return nil
}

// Release returns a failed operation's reservation to the daily budget.
func (g *SponsorCapGuard) Release(chain string, estimatedCostWei *big.Int) {
	if estimatedCostWei == nil || estimatedCostWei.Sign() <= 0 {
		return
	}
	key := strings.ToLower(strings.TrimSpace(chain))
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.clock())
	spent := g.spent[key]
	if spent == nil {
		return
	}
	spent = new(big.Int).Sub(spent, estimatedCostWei)
	if spent.Sign() < 0 {
		spent = big.NewInt(0)
	}
	g.spent[key] = spent
}
