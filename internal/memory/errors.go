package memory

import "errors"

var (
	ErrInvalidAddress = errors.New("memory: address out of range")
	ErrNotPageAligned = errors.New("memory: not page aligned")
	ErrInvalidRange   = errors.New("memory: invalid range")
)
