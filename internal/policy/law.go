package policy

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/debt"
)

// ServiceLaw maps (outstanding debt, applied budget) to the amount of
// debt serviced this step. Every law is monotone non-decreasing in the
// budget, zero at zero budget, and never exceeds the outstanding debt.
// The closed set of laws lives here; a bundle references one by ID.
type ServiceLaw struct {
	kind  lawKind
	param canon.Rat // mu for linear_capped, alpha for quadratic
}

type lawKind string

const (
	lawLinearCapped lawKind = "linear_capped"
	lawIdentity     lawKind = "identity"
	lawQuadratic    lawKind = "quadratic"
)

// LinearCappedLaw is min(debt, mu·budget). mu must be positive.
func LinearCappedLaw(mu canon.Rat) (ServiceLaw, error) {
	if mu.Big().Sign() <= 0 {
		return ServiceLaw{}, fmt.Errorf("linear_capped mu must be positive, got %s", mu.String())
	}
	return ServiceLaw{kind: lawLinearCapped, param: mu}, nil
}

// DefaultLaw is linear_capped with mu = 1: service = min(debt, budget).
func DefaultLaw() ServiceLaw {
	law, _ := LinearCappedLaw(canon.MustRat(1, 1))
	return law
}

// IdentityLaw pays the full outstanding debt whenever the budget
// covers it, and the whole budget otherwise: min(debt, budget).
func IdentityLaw() ServiceLaw {
	return ServiceLaw{kind: lawIdentity}
}

// QuadraticLaw is min(debt, alpha·budget²/debt); zero debt services
// zero. alpha must be positive.
func QuadraticLaw(alpha canon.Rat) (ServiceLaw, error) {
	if alpha.Big().Sign() <= 0 {
		return ServiceLaw{}, fmt.Errorf("quadratic alpha must be positive, got %s", alpha.String())
	}
	return ServiceLaw{kind: lawQuadratic, param: alpha}, nil
}

// ID returns the law's canonical identifier, e.g.
// "service.linear_capped.mu:1/1". Receipts record this ID so a
// verifier can reconstruct the exact law.
func (l ServiceLaw) ID() string {
	switch l.kind {
	case lawLinearCapped:
		return "service.linear_capped.mu:" + l.param.String()
	case lawIdentity:
		return "service.identity"
	case lawQuadratic:
		return "service.quadratic.alpha:" + l.param.String()
	default:
		return "service.unknown"
	}
}

// ParseLawID reconstructs a law from its canonical identifier.
func ParseLawID(id string) (ServiceLaw, error) {
	switch {
	case id == "service.identity":
		return IdentityLaw(), nil
	case strings.HasPrefix(id, "service.linear_capped.mu:"):
		mu, err := parseRatParam(strings.TrimPrefix(id, "service.linear_capped.mu:"))
		if err != nil {
			return ServiceLaw{}, fmt.Errorf("law %q: %w", id, err)
		}
		return LinearCappedLaw(mu)
	case strings.HasPrefix(id, "service.quadratic.alpha:"):
		alpha, err := parseRatParam(strings.TrimPrefix(id, "service.quadratic.alpha:"))
		if err != nil {
			return ServiceLaw{}, fmt.Errorf("law %q: %w", id, err)
		}
		return QuadraticLaw(alpha)
	default:
		return ServiceLaw{}, fmt.Errorf("unknown service law id %q", id)
	}
}

func parseRatParam(s string) (canon.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return canon.Rat{}, fmt.Errorf("malformed rational %q", s)
	}
	return canon.RatFromBig(r), nil
}

// Service computes the serviced amount in debt quanta. The computation
// is exact rational arithmetic; the single rounding to quanta happens
// here, half-even, and is covered by the bundle's rounding rule ID.
func (l ServiceLaw) Service(d, budget debt.Unit) (debt.Unit, error) {
	var exact *big.Rat
	switch l.kind {
	case lawLinearCapped:
		exact = new(big.Rat).Mul(l.param.Big(), budget.Rat())
	case lawIdentity:
		exact = budget.Rat()
	case lawQuadratic:
		if d == 0 {
			return 0, nil
		}
		b2 := new(big.Rat).Mul(budget.Rat(), budget.Rat())
		exact = new(big.Rat).Quo(new(big.Rat).Mul(l.param.Big(), b2), d.Rat())
	default:
		return 0, fmt.Errorf("unknown service law kind %q", l.kind)
	}

	serviced, err := debt.FromRat(exact, 1)
	if err != nil {
		return 0, fmt.Errorf("service law %s: %w", l.ID(), err)
	}
	return debt.Min(d, serviced), nil
}
