package vfs

import "errors"

var (
	ErrNameTooLong  = errors.New("vfs: name too long")
	ErrNameReserved = errors.New("vfs: name is reserved")
	ErrExists       = errors.New("vfs: entry already exists")
	ErrNotFound     = errors.New("vfs: no such entry")
	ErrNotDir       = errors.New("vfs: not a directory")
	ErrIsDir        = errors.New("vfs: is a directory")
	ErrNotEmpty     = errors.New("vfs: directory not empty")
	ErrPathTooLong  = errors.New("vfs: path too long")
	ErrTooManySymlinks = errors.New("vfs: too many symlink expansions")
	ErrNoSpace      = errors.New("vfs: no space left on device")
)
