package definition

import (
	"strings"
	"testing"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

func TestDefaultLogger_ImplementsLogger(t *testing.T) {
	var _ types.Logger = NewDefaultLogger()
}

func TestDefaultLogger_ToggleDebug(t *testing.T) {
	l := NewDefaultLogger()
	if l.ToggleDebug(true) != true {
		t.Fatal("ToggleDebug(true) did not return true")
	}
	if l.ToggleDebug(false) != false {
		t.Fatal("ToggleDebug(false) did not return false")
	}
}

func TestLevel_PrefixesMessage(t *testing.T) {
	got := level(warn, "connection dropped")
	if !strings.Contains(got, "WARN") || !strings.Contains(got, "connection dropped") {
		t.Fatalf("level() = %q, missing prefix or message", got)
	}
}
