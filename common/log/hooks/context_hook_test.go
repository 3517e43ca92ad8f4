package hooks

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestContextHookAddsCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.Out = &buf
	logger.AddHook(NewContextHook())

	logger.Info("hello")
	assert.Contains(t, buf.String(), "context_hook_test.go:")
}
