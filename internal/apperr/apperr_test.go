package apperr

import (
	"errors"
	"testing"
)

func TestWrapKeepsKind(t *testing.T) {
	err := Wrap(ErrStore, errors.New("connection reset by peer"))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected wrapped error to match ErrStore")
	}
	if got := From(err); got != ErrStore {
		t.Fatalf("expected store kind, got %s", got.Kind)
	}
}

func TestFromUnknownErrorHidesCause(t *testing.T) {
	got := From(errors.New("pq: relation users does not exist"))
	if got.Kind != "store_error" || got.Message != "internal error" {
		t.Fatalf("unexpected kind %+v", got)
	}
}
