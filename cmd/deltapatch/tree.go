package main

import (
	"path"

	"deltapatch/internal/manifest"

	"github.com/disiqueira/gotree/v3"
	"github.com/dustin/go-humanize"
)

// fileTree renders slash-separated manifest paths as a directory tree.
type fileTree struct {
	tree gotree.Tree
	dirs map[string]gotree.Tree
}

func newFileTree(rootLabel string) fileTree {
	return fileTree{tree: gotree.New(rootLabel), dirs: make(map[string]gotree.Tree)}
}

func (t fileTree) dir(dirPath string) gotree.Tree {
	if dirPath == "." || dirPath == "/" || dirPath == "" {
		return t.tree
	}
	d := t.dirs[dirPath]
	if d == nil {
		d = t.dir(path.Dir(dirPath)).Add(path.Base(dirPath))
		t.dirs[dirPath] = d
	}
	return d
}

func (t fileTree) insert(entry manifest.FileEntry) {
	label := path.Base(entry.Path) + " " + dimStyle.Render("("+humanize.Bytes(uint64(entry.Size))+")")
	t.dir(path.Dir(entry.Path)).Add(label)
}

func (t fileTree) render() string {
	return t.tree.Print()
}

func renderFileTree(rootLabel string, entries []manifest.FileEntry) string {
	t := newFileTree(rootLabel)
	for _, e := range entries {
		t.insert(e)
	}
	return t.render()
}
