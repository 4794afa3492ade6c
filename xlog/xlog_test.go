package xlog

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	SetLevel(InfoLevel, os.Stdout)
	defer SetLevel(InfoLevel, os.Stdout)

	var buf bytes.Buffer
	SetLevel(ErrorLevel, &buf)
	Infoln("should be discarded")
	assert.Empty(t, buf.String())

	Errorln("should show up")
	assert.Contains(t, buf.String(), "should show up")
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	SetLevel(InfoLevel, &buf)
	defer SetLevel(InfoLevel, os.Stdout)

	l := New().WithField("rank", 3).WithField("ckpt", 7)
	l.Info("starting encode")

	out := buf.String()
	assert.True(t, strings.Contains(out, "rank=3"))
	assert.True(t, strings.Contains(out, "ckpt=7"))
	assert.True(t, strings.Contains(out, "starting encode"))
}
