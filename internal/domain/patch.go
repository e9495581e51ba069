package domain

// Patch is a tri-state field of a partial update: unset leaves the stored
// value alone, Null clears it, otherwise Value is written.
type Patch[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func SetTo[T any](v T) Patch[T] { return Patch[T]{Set: true, Value: v} }

func SetNull[T any]() Patch[T] { return Patch[T]{Set: true, Null: true} }

// OnboardingPatch enumerates the onboarding fields callers may change directly.
// Completion flags are not nullable; a Null patch on them is rejected.
type OnboardingPatch struct {
	ProfileComplete        Patch[bool]
	ComplianceComplete     Patch[bool]
	TrainingComplete       Patch[bool]
	FinancialSetupComplete Patch[bool]
	Notes                  Patch[string]
}

// Empty reports whether the patch changes nothing.
func (p OnboardingPatch) Empty() bool {
	return !p.ProfileComplete.Set && !p.ComplianceComplete.Set && !p.TrainingComplete.Set &&
		!p.FinancialSetupComplete.Set && !p.Notes.Set
}
