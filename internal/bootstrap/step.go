package bootstrap

import "context"

// Step is one idempotent unit of convergence. Check reports whether the
// desired state already holds; Apply brings it about.
type Step interface {
	Name() string
	Check(ctx context.Context) (bool, error)
	Apply(ctx context.Context) error
}

// funcStep adapts a pair of functions into a Step.
type funcStep struct {
	name  string
	check func(ctx context.Context) (bool, error)
	apply func(ctx context.Context) error
	// verify re-runs check after apply and fails the step if it still
	// does not hold
	verify bool
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Check(ctx context.Context) (bool, error) {
	return s.check(ctx)
}

func (s *funcStep) Apply(ctx context.Context) error {
	return s.apply(ctx)
}

func (s *funcStep) Verify() bool { return s.verify }

type verifier interface {
	Verify() bool
}
