package definition

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

func TestLogrusLogger_ImplementsLogger(t *testing.T) {
	var _ types.Logger = NewLogrusLogger(nil)
}

func TestLogrusLogger_WritesThroughWrappedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	l := NewLogrusLogger(base)
	l.Warnf("scan cycle %d", 3)

	if !bytes.Contains(buf.Bytes(), []byte("scan cycle 3")) {
		t.Fatalf("log output = %q, missing formatted message", buf.String())
	}
}

func TestLogrusLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	l := NewLogrusLogger(base)
	l.WithFields(logrus.Fields{"cache_size": 4}).Info("gossip round")

	if !bytes.Contains(buf.Bytes(), []byte("cache_size=4")) {
		t.Fatalf("log output = %q, missing structured field", buf.String())
	}
}
