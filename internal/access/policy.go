// Package access evaluates role and freshness based access decisions.
//
// The evaluator is pure: given a role, a resource category and the time since
// the session last proved its identity, it returns allow, deny or
// step-up-required. It holds no session state.
package access

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BurntSushi/toml"
)

//go:embed policy.toml
var defaultPolicy string

// Policy is the decoded access policy file.
type Policy struct {
	StepUpMethods []models.MFAMethod                       `toml:"step_up_methods"`
	Categories    map[models.ResourceCategory]CategoryRule `toml:"categories"`
	Roles         map[models.Role]RoleRule                 `toml:"roles"`
}

type CategoryRule struct {
	Sensitive bool     `toml:"sensitive"`
	Window    Duration `toml:"window"`
}

type RoleRule struct {
	Allow []models.ResourceCategory `toml:"allow"`
}

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() (*Policy, error) {
	return decode(defaultPolicy)
}

// LoadPolicy reads a policy from path. An empty path yields the default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return decode(string(data))
}

func decode(data string) (*Policy, error) {
	var p Policy
	md, err := toml.Decode(data, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown policy keys: %v", undecoded)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects policies that reference unknown roles or categories, or
// sensitive categories without a freshness window.
func (p *Policy) Validate() error {
	if len(p.StepUpMethods) == 0 {
		return fmt.Errorf("policy: step_up_methods must not be empty")
	}
	for name, rule := range p.Categories {
		if rule.Sensitive && rule.Window.Duration <= 0 {
			return fmt.Errorf("policy: sensitive category %s needs a positive window", name)
		}
	}
	for role, rule := range p.Roles {
		if !role.Valid() {
			return fmt.Errorf("policy: unknown role %s", role)
		}
		for _, c := range rule.Allow {
			if _, ok := p.Categories[c]; !ok {
				return fmt.Errorf("policy: role %s allows undefined category %s", role, c)
			}
		}
	}
	return nil
}

// Encode writes p as TOML.
func (p *Policy) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(p)
}
