package access

import (
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
)

// Evaluator answers access questions from a fixed policy.
type Evaluator struct {
	allowed       map[models.Role]map[models.ResourceCategory]bool
	categories    map[models.ResourceCategory]CategoryRule
	stepUpMethods []models.MFAMethod
}

// NewEvaluator indexes p for lookups. p must already be validated.
func NewEvaluator(p *Policy) *Evaluator {
	allowed := make(map[models.Role]map[models.ResourceCategory]bool, len(p.Roles))
	for role, rule := range p.Roles {
		set := make(map[models.ResourceCategory]bool, len(rule.Allow))
		for _, c := range rule.Allow {
			set[c] = true
		}
		allowed[role] = set
	}

	return &Evaluator{
		allowed:       allowed,
		categories:    p.Categories,
		stepUpMethods: p.StepUpMethods,
	}
}

// Evaluate decides (role, category, sinceVerified). Unknown roles and
// categories are denied. A permitted sensitive category is allowed only while
// sinceVerified is within the category window.
func (e *Evaluator) Evaluate(role models.Role, category models.ResourceCategory, sinceVerified time.Duration) models.AccessResult {
	result := models.AccessResult{
		Decision: models.DecisionDeny,
		Role:     role,
		Category: category,
	}

	rule, ok := e.categories[category]
	if !ok || !e.allowed[role][category] {
		return result
	}

	result.Sensitive = rule.Sensitive
	if !rule.Sensitive {
		result.Decision = models.DecisionAllow
		return result
	}

	result.WindowSeconds = int64(rule.Window.Seconds())
	if sinceVerified >= 0 && sinceVerified <= rule.Window.Duration {
		result.Decision = models.DecisionAllow
		return result
	}

	result.Decision = models.DecisionStepUpRequired
	result.Methods = e.stepUpMethods
	return result
}

// Window returns the freshness window for category, or zero if it is not sensitive.
func (e *Evaluator) Window(category models.ResourceCategory) time.Duration {
	rule := e.categories[category]
	if !rule.Sensitive {
		return 0
	}
	return rule.Window.Duration
}

// StepUpMethods lists the methods accepted for re-verification.
func (e *Evaluator) StepUpMethods() []models.MFAMethod {
	return e.stepUpMethods
}
