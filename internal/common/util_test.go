package common

import (
	"errors"
	"fmt"
	"testing"
)

func TestMissingCredentialError_NamesField(t *testing.T) {
	err := &MissingCredentialError{Provider: "aws", Field: "region"}

	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected errors.Is(err, ErrMissingCredential)")
	}
	want := "missing credential: region is required for provider aws"
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestMissingCredentialError_SurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("open adapter: %w", &MissingCredentialError{Provider: "r2", Field: "accountId"})

	var mce *MissingCredentialError
	if !errors.As(wrapped, &mce) {
		t.Fatalf("expected errors.As to find MissingCredentialError")
	}
	if mce.Field != "accountId" {
		t.Fatalf("unexpected field: %q", mce.Field)
	}
}
