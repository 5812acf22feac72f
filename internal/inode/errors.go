package inode

import "fmt"

// ErrNoSpace indicates the FAT had no free clusters to satisfy a Create
// or extend request.
var ErrNoSpace = fmt.Errorf("inode: no space left on device")

// ErrAlreadyOpen indicates Create was called on a sector that already has
// a live in-memory inode.
var ErrAlreadyOpen = fmt.Errorf("inode: sector already open")
