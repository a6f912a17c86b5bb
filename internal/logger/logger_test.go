package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormats(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("plan computed", "actions", 2)
	assert.Contains(t, buf.String(), `"msg":"plan computed"`)
	assert.Contains(t, buf.String(), `"actions":2`)

	buf.Reset()
	NewWithWriter(&buf, "info", "text").With("component", "web").Info("started")
	assert.Contains(t, buf.String(), "component=web")
}

func TestLevelsAndPrintf(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn", "text")
	log.Info("hidden")
	log.Printf("bot %s\n", "hidden")
	assert.Empty(t, buf.String())

	log = NewWithWriter(&buf, "debug", "text")
	log.Printf("endpoint %s\n", "getMe")
	log.Println("response", 200)
	assert.Contains(t, buf.String(), `msg="endpoint getMe"`)
	assert.Contains(t, buf.String(), `msg="response 200"`)
}
