package token

import (
	"errors"
	"testing"
)

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name        string
		fields      map[string]Field
		want        map[string]any
		expectError bool
		errorMsg    string
	}{
		{
			name: "trims strings",
			fields: map[string]Field{
				"userId": {Value: "  alice  ", Type: FieldString, Required: true},
			},
			want: map[string]any{"userId": "alice"},
		},
		{
			name: "required string missing",
			fields: map[string]Field{
				"userId": {Value: "", Type: FieldString, Required: true},
			},
			expectError: true,
			errorMsg:    "userId is required",
		},
		{
			name: "blank string counts as missing",
			fields: map[string]Field{
				"userId": {Value: "   ", Type: FieldString, Required: true},
			},
			expectError: true,
			errorMsg:    "userId is required",
		},
		{
			name: "wrong type for string",
			fields: map[string]Field{
				"purpose": {Value: 42, Type: FieldString},
			},
			expectError: true,
			errorMsg:    "purpose must be a string",
		},
		{
			name: "integral float accepted",
			fields: map[string]Field{
				"amount": {Value: float64(30), Type: FieldInt, Required: true},
			},
			want: map[string]any{"amount": int64(30)},
		},
		{
			name: "fractional float rejected",
			fields: map[string]Field{
				"amount": {Value: 30.5, Type: FieldInt, Required: true},
			},
			expectError: true,
			errorMsg:    "amount must be an integer",
		},
		{
			name: "string amount rejected",
			fields: map[string]Field{
				"amount": {Value: "30", Type: FieldInt, Required: true},
			},
			expectError: true,
			errorMsg:    "amount must be an integer",
		},
		{
			name: "bool and map types",
			fields: map[string]Field{
				"dryRun":   {Value: true, Type: FieldBool},
				"metadata": {Value: map[string]any{"k": "v"}, Type: FieldMap},
			},
			want: map[string]any{"dryRun": true, "metadata": map[string]any{"k": "v"}},
		},
		{
			name: "mistyped bool",
			fields: map[string]Field{
				"dryRun": {Value: "yes", Type: FieldBool},
			},
			expectError: true,
			errorMsg:    "dryRun must be a boolean",
		},
		{
			name: "default applied when absent",
			fields: map[string]Field{
				"purpose": {Value: "", Type: FieldString, Default: "free_grant"},
			},
			want: map[string]any{"purpose": "free_grant"},
		},
		{
			name: "optional absent without default stays absent",
			fields: map[string]Field{
				"refId": {Value: nil, Type: FieldString},
			},
			want: map[string]any{},
		},
		{
			name: "failures are deterministic across fields",
			fields: map[string]Field{
				"zeta":   {Value: nil, Type: FieldString, Required: true},
				"alpha":  {Value: nil, Type: FieldString, Required: true},
				"middle": {Value: nil, Type: FieldString, Required: true},
			},
			expectError: true,
			errorMsg:    "alpha is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateFields(tt.fields)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error %q, got none", tt.errorMsg)
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("error = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fields, want %d: %v", len(got), len(tt.want), got)
			}
			for k, want := range tt.want {
				m, isMap := want.(map[string]any)
				if isMap {
					gotMap, ok := got[k].(map[string]any)
					if !ok || len(gotMap) != len(m) {
						t.Errorf("%s = %v, want %v", k, got[k], want)
					}
					continue
				}
				if got[k] != want {
					t.Errorf("%s = %v, want %v", k, got[k], want)
				}
			}
		})
	}
}

func TestNormalizeFieldError(t *testing.T) {
	tests := []struct {
		name  string
		field string
		want  error
	}{
		{name: "amount maps to invalid amount", field: "amount", want: ErrInvalidAmount},
		{name: "beneficiary keeps its code", field: "beneficiaryId", want: ErrMissingBeneficiary},
		{name: "timeout fields map to invalid timeout", field: "expiresAfter", want: ErrInvalidTimeout},
		{name: "identity fields collapse to payload error", field: "userId", want: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &FieldError{Field: tt.field, Message: tt.field + " is required"}
			got := normalizeFieldError(in)
			if !errors.Is(got, tt.want) {
				t.Errorf("normalizeFieldError(%s) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}

	plain := errors.New("boom")
	if normalizeFieldError(plain) != plain {
		t.Error("non-field errors must pass through unchanged")
	}
}
