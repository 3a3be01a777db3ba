package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	if !IsTransient(Transient("list", base)) {
		t.Error("Transient not classified")
	}
	if !IsAuth(Auth("login", base)) {
		t.Error("Auth not classified")
	}
	if !IsTerminal(Terminal("resolve", base)) {
		t.Error("Terminal not classified")
	}

	if IsTransient(Auth("login", base)) || IsAuth(Terminal("resolve", base)) || IsTerminal(base) {
		t.Error("classes must not bleed into each other")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := Auth("login", errors.New("token expired"))
	wrapped := fmt.Errorf("folder inbox: %w", inner)

	if !IsAuth(wrapped) {
		t.Error("wrapped auth error lost its class")
	}
	if !errors.Is(Terminal("resolve", ErrFolderNotFound), ErrFolderNotFound) {
		t.Error("sentinel must survive wrapping")
	}
}
