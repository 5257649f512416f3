//go:build !linux

package kvm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinyrange/vmm/internal/hv"
)

func TestOpenUnsupported(t *testing.T) {
	k, err := Open()
	assert.Nil(t, k)
	assert.ErrorIs(t, err, hv.ErrHypervisorUnsupported)
}
