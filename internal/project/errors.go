package project

import "go.trai.ch/zerr"

var (
	ErrManifest     = zerr.New("invalid project manifest")
	ErrLock         = zerr.New("invalid lock file")
	ErrLockMismatch = zerr.New("lock file does not match manifest")
	ErrRequirement  = zerr.New("invalid requirement")
)
