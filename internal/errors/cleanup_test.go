package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type failingRestorer struct {
	err      error
	restored bool
}

func (r *failingRestorer) Restore() error {
	r.restored = true
	return r.err
}

func TestDeferRestore(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := &failingRestorer{err: errors.New("still installed")}
	DeferRestore(logger, r, "restore failed")

	assert.True(t, r.restored)
	assert.Contains(t, buf.String(), "restore failed")
	assert.Contains(t, buf.String(), "still installed")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestDeferRestore_Nil(t *testing.T) {
	var buf bytes.Buffer
	DeferRestore(zerolog.New(&buf), nil, "restore failed")
	assert.Empty(t, buf.String())
}
