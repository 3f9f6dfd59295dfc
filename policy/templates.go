package policy

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Template is an operator-authored policy preset loaded from YAML. Amounts
// are decimal minor-unit strings so operators never write floats.
type Template struct {
	Name                string   `yaml:"name"`
	LimitPerTx          string   `yaml:"limit_per_tx"`
	LimitTotal          string   `yaml:"limit_total"`
	DailyLimit          string   `yaml:"daily_limit"`
	WeeklyLimit         string   `yaml:"weekly_limit"`
	MonthlyLimit        string   `yaml:"monthly_limit"`
	AllowedChains       []string `yaml:"allowed_chains"`
	AllowedTokens       []string `yaml:"allowed_tokens"`
	AllowedDestinations []string `yaml:"allowed_destinations"`
	BlockedDestinations []string `yaml:"blocked_destinations"`
	BlockedMerchants    []string `yaml:"blocked_merchants"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates parses the operator template file.
func LoadTemplates(path string) (map[string]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read templates: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("policy: parse templates: %w", err)
	}
	templates := make(map[string]Template, len(file.Templates))
	for _, tpl := range file.Templates {
		name := strings.TrimSpace(tpl.Name)
		if name == "" {
			return nil, fmt.Errorf("policy: template missing name")
		}
		if _, exists := templates[name]; exists {
			return nil, fmt.Errorf("policy: duplicate template %q", name)
		}
		templates[name] = tpl
	}
	return templates, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("policy: template %s: invalid amount %q", field, raw)
	}
	return amount, nil
}

// Instantiate builds a policy for the agent from the template.
func (t Template) Instantiate(agentID string, now time.Time) (*Policy, error) {
	perTx, err := parseAmount("limit_per_tx", t.LimitPerTx)
	if err != nil {
		return nil, err
	}
	total, err := parseAmount("limit_total", t.LimitTotal)
	if err != nil {
		return nil, err
	}
	p := NewPolicy(agentID, perTx, total, now)
	windows := []struct {
		raw    string
		field  string
		length time.Duration
	}{
		{t.DailyLimit, "daily_limit", WindowDaily},
		{t.WeeklyLimit, "weekly_limit", WindowWeekly},
		{t.MonthlyLimit, "monthly_limit", WindowMonthly},
	}
	for _, w := range windows {
		limit, err := parseAmount(w.field, w.raw)
		if err != nil {
			return nil, err
		}
		if limit != nil {
			p.WithWindow(w.length, limit, now)
		}
	}
	p.AllowedChains = append([]string(nil), t.AllowedChains...)
	p.AllowedTokens = append([]string(nil), t.AllowedTokens...)
	p.AllowedDestinations = append([]string(nil), t.AllowedDestinations...)
	p.BlockedDestinations = append([]string(nil), t.BlockedDestinations...)
	p.BlockedMerchants = append([]string(nil), t.BlockedMerchants...)
	return p, nil
}
