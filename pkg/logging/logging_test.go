package logging

import (
	"bytes"
	"testing"
)

func TestInit_DoesNotPanic(t *testing.T) {
	Init(false, false)
	L().Info().Msg("test json info")

	Init(true, false)
	L().Debug().Msg("test json debug")

	Init(false, true)
	if !IsPrettyMode() {
		t.Error("human mode should enable pretty fields")
	}
	L().Info().Msg("test human info")

	Init(false, false)
	if IsPrettyMode() {
		t.Error("json mode should disable pretty fields")
	}
}

func TestWithPhase(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, false, false)
	defer Init(false, false)

	log := WithPhase("deliver")
	log.Info().Msg("test message")

	if !bytes.Contains(buf.Bytes(), []byte(`"phase":"deliver"`)) {
		t.Errorf("expected phase field in output, got: %s", buf.String())
	}
}
