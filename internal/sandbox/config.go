package sandbox

import "time"

// GroundingMode selects what the grounding pass does with quotes it
// cannot find in the context.
type GroundingMode string

const (
	GroundingDrop   GroundingMode = "drop"
	GroundingReject GroundingMode = "reject"
)

// Config is the per-session configuration surface.
type Config struct {
	CodeTimeout         time.Duration `mapstructure:"code_timeout" json:"code_timeout"`
	TruncateOutputChars int           `mapstructure:"truncate_output_chars" json:"truncate_output_chars"`

	// SubModel names the secondary model ("provider:model" or a bare model
	// on the default provider). Empty disables llm_query.
	SubModel string `mapstructure:"sub_model" json:"sub_model,omitempty"`

	// MaxDelegationDepth is nil for the default; an explicit 0 forbids
	// delegation altogether.
	MaxDelegationDepth *int          `mapstructure:"max_delegation_depth" json:"max_delegation_depth,omitempty"`
	DelegationTimeout  time.Duration `mapstructure:"delegation_timeout" json:"delegation_timeout,omitempty"`

	// MaxConcurrentDelegations bounds llm_query_batched fan-out.
	MaxConcurrentDelegations int `mapstructure:"max_concurrent_delegations" json:"max_concurrent_delegations"`

	CustomInstructions string        `mapstructure:"custom_instructions" json:"custom_instructions,omitempty"`
	Grounded           bool          `mapstructure:"grounded" json:"grounded"`
	GroundingMode      GroundingMode `mapstructure:"grounding_mode" json:"grounding_mode,omitempty"`
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		CodeTimeout:              60 * time.Second,
		TruncateOutputChars:      50_000,
		MaxDelegationDepth:       Depth(1),
		MaxConcurrentDelegations: 4,
		GroundingMode:            GroundingDrop,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. Negative values
// are left alone so Validate can reject them.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.CodeTimeout == 0 {
		c.CodeTimeout = d.CodeTimeout
	}
	if c.TruncateOutputChars == 0 {
		c.TruncateOutputChars = d.TruncateOutputChars
	}
	if c.MaxDelegationDepth == nil {
		c.MaxDelegationDepth = d.MaxDelegationDepth
	}
	if c.MaxConcurrentDelegations == 0 {
		c.MaxConcurrentDelegations = d.MaxConcurrentDelegations
	}
	if c.GroundingMode == "" {
		c.GroundingMode = d.GroundingMode
	}
	return c
}

// Validate reports the first invalid field as a ConfigInvalid error.
func (c Config) Validate() error {
	switch {
	case c.CodeTimeout <= 0:
		return configInvalid("code_timeout must be positive, got %s", c.CodeTimeout)
	case c.TruncateOutputChars <= 0:
		return configInvalid("truncate_output_chars must be positive, got %d", c.TruncateOutputChars)
	case c.DepthLimit() < 0:
		return configInvalid("max_delegation_depth must not be negative, got %d", c.DepthLimit())
	case c.DelegationTimeout < 0:
		return configInvalid("delegation_timeout must not be negative, got %s", c.DelegationTimeout)
	case c.DelegationTimeout > c.CodeTimeout:
		return configInvalid("delegation_timeout %s exceeds code_timeout %s", c.DelegationTimeout, c.CodeTimeout)
	case c.MaxConcurrentDelegations < 1:
		return configInvalid("max_concurrent_delegations must be at least 1, got %d", c.MaxConcurrentDelegations)
	case c.GroundingMode != GroundingDrop && c.GroundingMode != GroundingReject:
		return configInvalid("grounding_mode must be %q or %q, got %q", GroundingDrop, GroundingReject, c.GroundingMode)
	}
	return nil
}

// Depth returns a pointer for Config.MaxDelegationDepth.
func Depth(n int) *int { return &n }

// DepthLimit is the effective delegation depth limit.
func (c Config) DepthLimit() int {
	if c.MaxDelegationDepth == nil {
		return *DefaultConfig().MaxDelegationDepth
	}
	return *c.MaxDelegationDepth
}
