package peopleflow

import (
	"errors"
	"testing"
)

func TestProgramValidation(t *testing.T) {
	cases := []struct {
		name    string
		program *Program
		wantErr error
	}{
		{
			name:    "empty name",
			program: &Program{Phases: []*Phase{{Name: "a"}}},
			wantErr: ErrProgramInvalid,
		},
		{
			name:    "no phases",
			program: &Program{Name: "p"},
			wantErr: ErrProgramInvalid,
		},
		{
			name: "duplicate phase",
			program: &Program{Name: "p", Phases: []*Phase{
				{Name: "a"}, {Name: "a"},
			}},
			wantErr: ErrDuplicatePhase,
		},
		{
			name: "parallel without mandatory child",
			program: &Program{Name: "p", Phases: []*Phase{
				{Name: "fork", Children: []*ChildPhase{{Name: "x"}, {Name: "y"}}},
			}},
			wantErr: ErrMissingMandatory,
		},
		{
			name: "parallel with its own exit",
			program: &Program{Name: "p", Phases: []*Phase{
				{
					Name:     "fork",
					Exit:     SignalWait{Signal: "s"},
					Children: []*ChildPhase{{Name: "x", Mandatory: true}},
				},
			}},
			wantErr: ErrProgramInvalid,
		},
		{
			name: "duplicate child",
			program: &Program{Name: "p", Phases: []*Phase{
				{Name: "fork", Children: []*ChildPhase{
					{Name: "x", Mandatory: true}, {Name: "x"},
				}},
			}},
			wantErr: ErrDuplicatePhase,
		},
		{
			name: "valid",
			program: &Program{Name: "p", Phases: []*Phase{
				{Name: "a"},
				{Name: "fork", Children: []*ChildPhase{{Name: "x", Mandatory: true}, {Name: "y"}}},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewRegistry().RegisterProgram(tc.program)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	program := &Program{Name: "p", Phases: []*Phase{{Name: "a"}}}
	if err := registry.RegisterProgram(program); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterProgram(program); !errors.Is(err, ErrProgramExists) {
		t.Fatalf("expected ErrProgramExists, got %v", err)
	}

	handler := func(ctx ActivityContext, args Payload) (Payload, error) { return nil, nil }
	if err := registry.RegisterActivity("a", handler); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterActivity("a", handler); !errors.Is(err, ErrActivityExists) {
		t.Fatalf("expected ErrActivityExists, got %v", err)
	}

	if _, err := registry.program("missing"); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("expected ErrProgramNotFound, got %v", err)
	}
	if _, err := registry.activity("missing"); !errors.Is(err, ErrActivityNotFound) {
		t.Fatalf("expected ErrActivityNotFound, got %v", err)
	}
}

func TestBothShippedProgramsValidate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.RegisterProgram(OnboardingProgram()); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterProgram(OffboardingProgram()); err != nil {
		t.Fatal(err)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	got := getRetryPolicyOrDefault(nil)
	if got != defaultRetryPolicy {
		t.Fatalf("nil policy should yield the default, got %+v", got)
	}

	partial := getRetryPolicyOrDefault(&RetryPolicy{MaximumAttempts: 2})
	if partial.MaximumAttempts != 2 {
		t.Fatalf("explicit field overridden: %+v", partial)
	}
	if partial.InitialInterval != defaultRetryPolicy.InitialInterval || partial.BackoffCoefficient != defaultRetryPolicy.BackoffCoefficient {
		t.Fatalf("zero fields not defaulted: %+v", partial)
	}
}
