package inject

import (
	"errors"
	"testing"

	"github.com/smoltools/binject/internal/magic"
)

func TestInjectRejectsUnknownFormat(t *testing.T) {
	_, err := Inject([]byte("#!/bin/sh\necho hi\n"), "pressed", []byte("x"), FileOffsetOnly)
	if !errors.Is(err, magic.ErrUnrecognizedFormat) {
		t.Errorf("err = %v, want ErrUnrecognizedFormat", err)
	}
}

func TestInjectAllValidation(t *testing.T) {
	target := buildTestELF(t, false)

	if _, err := InjectAll(target, nil); err == nil {
		t.Error("empty batch accepted")
	}
	if _, err := InjectAll(target, []Payload{{Name: "", Data: []byte("x")}}); err == nil {
		t.Error("empty payload name accepted")
	}
	if _, err := InjectAll(target, []Payload{
		{Name: "dup", Data: []byte("a")},
		{Name: "dup", Data: []byte("b")},
	}); err == nil {
		t.Error("duplicate payload names accepted")
	}
}
