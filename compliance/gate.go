// Package compliance runs the KYC/KYA/KYT preflight for a validated payment
// mandate. Every provider failure fails closed; the gate never guesses.
package compliance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"agentpay/observability/metrics"
	"agentpay/protocol/ap2"
)

// Reason codes surfaced by the gate. Codes are stable API.
const (
	ReasonCleared = "cleared"

	ReasonKYCRequired     = "kyc_required_high_value"
	ReasonKYCServiceError = "kyc_service_error"

	ReasonSanctionsHit          = "sanctions_hit"
	ReasonSanctionsServiceError = "sanctions_service_error"

	ReasonKYADenied       = "kya_denied"
	ReasonKYAServiceError = "kya_service_error"
)

// Risk levels reported by KYT screening.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
	RiskSevere = "severe"
)

// ScreenResult is the outcome of one KYT address screen.
type ScreenResult struct {
	ShouldBlock bool
	RiskLevel   string
	RuleID      string
}

// KYCProvider reports whether the agent's owning customer passed KYC.
type KYCProvider interface {
	Name() string
	Verified(ctx context.Context, agentID string) (bool, error)
}

// KYTProvider screens an address against sanctions and risk lists.
type KYTProvider interface {
	Name() string
	Screen(ctx context.Context, address string) (ScreenResult, error)
}

// KYAProvider reports whether the agent itself is allowed to transact.
type KYAProvider interface {
	Name() string
	Allowed(ctx context.Context, agentID string) (bool, error)
}

// Decision is the gate's verdict for one payment mandate.
type Decision struct {
	Passed            bool   `json:"passed"`
	Reason            string `json:"reason"`
	Provider          string `json:"provider,omitempty"`
	RuleID            string `json:"rule_id,omitempty"`
	KYCVerified       bool   `json:"kyc_verified"`
	KYTRiskLevel      string `json:"kyt_risk_level,omitempty"`
	KYTReviewRequired bool   `json:"kyt_review_required"`
}

// AuditAppender receives one immutable entry per decision. Append blocks;
// AppendAsync returns immediately and must never lose ordering guarantees the
// caller relies on.
type AuditAppender interface {
	Append(entry AuditEntry)
	AppendAsync(entry AuditEntry)
}

// AuditEntry records one gate decision.
type AuditEntry struct {
	MandateID string    `json:"mandate_id"`
	Subject   string    `json:"subject"`
	Decision  Decision  `json:"decision"`
	At        time.Time `json:"at"`
}

// Gate binds the configured providers behind the preflight decision tree.
// The orchestrator invokes the gate exactly once per execution; the executor
// never re-checks.
type Gate struct {
	kyc            KYCProvider
	kyt            KYTProvider
	kya            KYAProvider
	audit          AuditAppender
	thresholdMinor int64
	enforceKYA     bool
	logger         *slog.Logger
	clock          func() time.Time
}

// NewGate constructs the compliance gate. thresholdMinor is the minor-unit
// amount at or above which KYC verification is mandatory.
func NewGate(kyc KYCProvider, kyt KYTProvider, kya KYAProvider, audit AuditAppender, thresholdMinor int64, enforceKYA bool, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		kyc:            kyc,
		kyt:            kyt,
		kya:            kya,
		audit:          audit,
		thresholdMinor: thresholdMinor,
		enforceKYA:     enforceKYA,
		logger:         logger,
		clock:          time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (g *Gate) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

// Preflight evaluates the payment mandate. sourceAddress may be empty when
// the sending account is not yet known.
func (g *Gate) Preflight(ctx context.Context, payment *ap2.Mandate, sourceAddress string) Decision {
	decision := g.preflight(ctx, payment, sourceAddress)
	metrics.Pipeline().RecordCompliance(decision.Reason, decision.Provider)
	if g.audit != nil && payment != nil {
		g.audit.Append(AuditEntry{
			MandateID: payment.MandateID,
			Subject:   payment.Subject,
			Decision:  decision,
			At:        g.clock().UTC(),
		})
	}
	return decision
}

func (g *Gate) preflight(ctx context.Context, payment *ap2.Mandate, sourceAddress string) Decision {
	if payment == nil || payment.Payment == nil {
		return Decision{Reason: ReasonKYCServiceError, Provider: g.providerName(g.kyc)}
	}
	decision := Decision{}

	if payment.Payment.AmountMinor >= g.thresholdMinor {
		verified, err := g.kyc.Verified(ctx, payment.Subject)
		if err != nil {
			g.logger.Error("kyc provider failure",
				slog.String("mandate_id", payment.MandateID), slog.Any("error", err))
			return Decision{Reason: ReasonKYCServiceError, Provider: g.providerName(g.kyc)}
		}
		if !verified {
			return Decision{Reason: ReasonKYCRequired, Provider: g.providerName(g.kyc)}
		}
		decision.KYCVerified = true
	}

	addresses := []string{payment.Payment.Destination}
	if addr := strings.TrimSpace(sourceAddress); addr != "" {
		addresses = append(addresses, addr)
	}
	for _, address := range addresses {
		result, err := g.kyt.Screen(ctx, address)
		if err != nil {
			g.logger.Error("kyt provider failure",
				slog.String("mandate_id", payment.MandateID),
				slog.String("address", address), slog.Any("error", err))
			return Decision{
				KYCVerified: decision.KYCVerified,
				Reason:      ReasonSanctionsServiceError,
				Provider:    g.providerName(g.kyt),
			}
		}
		if result.ShouldBlock {
			return Decision{
				KYCVerified:  decision.KYCVerified,
				Reason:       ReasonSanctionsHit,
				Provider:     g.providerName(g.kyt),
				RuleID:       result.RuleID,
				KYTRiskLevel: result.RiskLevel,
			}
		}
		switch result.RiskLevel {
		case RiskHigh, RiskSevere:
			decision.KYTReviewRequired = true
		}
		if result.RiskLevel != "" {
			decision.KYTRiskLevel = result.RiskLevel
		}
	}

	if g.enforceKYA && g.kya != nil {
		allowed, err := g.kya.Allowed(ctx, payment.Subject)
		if err != nil {
			g.logger.Error("kya provider failure",
				slog.String("mandate_id", payment.MandateID), slog.Any("error", err))
			return Decision{
				KYCVerified:       decision.KYCVerified,
				KYTRiskLevel:      decision.KYTRiskLevel,
				KYTReviewRequired: decision.KYTReviewRequired,
				Reason:            ReasonKYAServiceError,
				Provider:          g.providerName(g.kya),
			}
		}
		if !allowed {
			return Decision{
				KYCVerified:       decision.KYCVerified,
				KYTRiskLevel:      decision.KYTRiskLevel,
				KYTReviewRequired: decision.KYTReviewRequired,
				Reason:            ReasonKYADenied,
				Provider:          g.providerName(g.kya),
			}
		}
	}

	decision.Passed = true
	decision.Reason = ReasonCleared
	return decision
}

func (g *Gate) providerName(p any) string {
	type named interface{ Name() string }
	if n, ok := p.(named); ok && n != nil {
		return n.Name()
	}
	return ""
}
