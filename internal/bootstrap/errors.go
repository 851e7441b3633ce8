package bootstrap

import "fmt"

// ConvergenceStepError is a step whose check or apply failed. Later steps are
// not attempted.
type ConvergenceStepError struct {
	Step string
	Err  error
}

func (e *ConvergenceStepError) Error() string {
	return fmt.Sprintf("bootstrap step %q failed: %v", e.Step, e.Err)
}

func (e *ConvergenceStepError) Unwrap() error {
	return e.Err
}
