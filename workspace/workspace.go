package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	workDirName = "work"
	// metadataDirName is created inside each state directory for the server's system metadata.
	metadataDirName = "smd"
	dirMode         = 0755
)

// Workspace is the ephemeral directory tree shared by all nodes of a cluster.
//
//	<root>/work/
//	  state-<i>/smd/
//	  udf-<i>/
//	  tmp-00001.conf
//	  ...
//
// Temp file ordinals increase for the lifetime of the Workspace and are not reset by Init.
type Workspace struct {
	root  string
	nodes int

	mut     sync.Mutex
	counter int
}

func New(root string, nodes int) *Workspace {
	return &Workspace{root: root, nodes: nodes}
}

// Dir returns the absolute path of the work directory.
func (w *Workspace) Dir() string {
	dir := filepath.Join(w.root, workDirName)
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func (w *Workspace) Nodes() int { return w.nodes }

func (w *Workspace) StateDir(index int) string {
	return filepath.Join(w.Dir(), StateDirName(index))
}

func (w *Workspace) UDFDir(index int) string {
	return filepath.Join(w.Dir(), UDFDirName(index))
}

func StateDirName(index int) string { return fmt.Sprintf("state-%d", index) }

func UDFDirName(index int) string { return fmt.Sprintf("udf-%d", index) }

// Init replaces any existing work directory with a fresh tree containing a state and a UDF directory per node.
func (w *Workspace) Init() error {
	err := w.Teardown()
	if err != nil {
		return fmt.Errorf("removing stale work directory: %w", err)
	}

	dirs := []string{w.Dir()}
	for i := 1; i <= w.nodes; i++ {
		dirs = append(dirs,
			w.StateDir(i),
			filepath.Join(w.StateDir(i), metadataDirName),
			w.UDFDir(i),
		)
	}
	for _, d := range dirs {
		err := os.Mkdir(d, dirMode)
		if err != nil {
			return fmt.Errorf("creating %q: %w", d, err)
		}
	}
	return nil
}

// Teardown removes the work directory tree. It is a no-op if the tree does not exist.
func (w *Workspace) Teardown() error {
	return removeTree(w.Dir())
}

// NextTempPath returns a new path in the work directory named with the next counter value and ext.
func (w *Workspace) NextTempPath(ext string) string {
	w.mut.Lock()
	w.counter++
	n := w.counter
	w.mut.Unlock()
	return filepath.Join(w.Dir(), fmt.Sprintf("tmp-%05d.%s", n, strings.TrimPrefix(ext, ".")))
}

// Rel returns p relative to the work directory, failing if p is outside of it.
func (w *Workspace) Rel(p string) (string, error) {
	return RelPath(w.Dir(), p)
}

// RelPath returns p relative to dir, failing if p is outside of dir.
func RelPath(dir, p string) (string, error) {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return "", fmt.Errorf("relativizing %q: %w", p, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is not in the work directory %q", p, dir)
	}
	return rel, nil
}

// removeTree removes dir, deleting children before their parents.
func removeTree(dir string) error {
	_, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %q: %w", dir, err)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %q: %w", dir, err)
	}

	// WalkDir visits parents before children, so reverse order removes leaves first.
	for i := len(paths) - 1; i >= 0; i-- {
		err := os.Remove(paths[i])
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %q: %w", paths[i], err)
		}
	}
	return nil
}
