package runtime

import "go.trai.ch/zerr"

var (
	ErrRuntime        = zerr.New("runtime error")
	ErrEmptyIndex     = zerr.New("empty image index")
	ErrEmptyArchive   = zerr.New("archive contains no image")
	ErrMultipleImages = zerr.New("archive contains more than one image")
	ErrReference      = zerr.New("invalid image reference")
	ErrUser           = zerr.New("invalid user")
)
