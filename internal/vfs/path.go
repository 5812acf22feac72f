package vfs

import "strings"

// resolve implements path resolution: symlink
// substitution to a fixed point, then component-by-component descent
// stopping before the last token. It returns an owned *Dir, a fresh
// reference the caller must eventually table.Close even when the path
// had no directory components to descend into, and the final path
// component.
func (f *Filesystem) resolve(cwd *Dir, symlinks *SymlinkTable, path string) (*Dir, string, error) {
	if len(path) > maxPathLen {
		return nil, "", ErrPathTooLong
	}

	if symlinks != nil {
		expanded, err := symlinks.Apply(path)
		if err != nil {
			return nil, "", err
		}
		path = expanded
	}

	start := cwd
	if strings.HasPrefix(path, "/") {
		start = f.root
	}

	cur := f.reopenDir(start)

	parts := splitPath(path)
	if len(parts) == 0 {
		return cur, ".", nil
	}

	for _, name := range parts[:len(parts)-1] {
		if len(name) > nameMax {
			f.table.Close(cur.In)
			return nil, "", ErrNameTooLong
		}

		sector, found := cur.Lookup(name)
		if !found {
			f.table.Close(cur.In)
			return nil, "", ErrNotFound
		}

		child, err := f.table.Open(sector)
		if err != nil {
			f.table.Close(cur.In)
			return nil, "", err
		}
		if !child.IsDir() {
			f.table.Close(cur.In)
			f.table.Close(child)
			return nil, "", ErrNotDir
		}

		f.table.Close(cur.In)
		cur = OpenDir(child)
	}

	last := parts[len(parts)-1]
	if len(last) > nameMax {
		f.table.Close(cur.In)
		return nil, "", ErrNameTooLong
	}

	return cur, last, nil
}

// reopenDir wraps another live reference to d's inode so that the
// resolver and its caller each hold an independent, closeable handle.
func (f *Filesystem) reopenDir(d *Dir) *Dir {
	return OpenDir(f.table.Reopen(d.In))
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
