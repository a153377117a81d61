package recipe

import "go.trai.ch/zerr"

var (
	ErrInvalid = zerr.New("invalid recipe")
	ErrCopy    = zerr.New("invalid copy")
)
