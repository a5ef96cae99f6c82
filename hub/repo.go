// Package hub gives access to a local model repository: a directory holding a pretrained
// checkpoint (tokenizer files, weights, configuration) or the output of a fine-tuning run.
//
// It also provides the file primitives shared by the writers of such directories: atomic
// writes and cross-process file locks.
package hub

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// DefaultDirCreationPerm is used when creating new directories.
const DefaultDirCreationPerm = 0755

// DefaultFileCreationPerm is used when writing new files.
const DefaultFileCreationPerm = 0644

// Repo is a model repository rooted at a local directory.
type Repo struct {
	// Dir is the root directory of the repository.
	Dir string
}

// New returns a Repo for the given directory. The directory is not required to exist yet.
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	return r.Dir
}

// HasFile returns whether the repository has the given file.
func (r *Repo) HasFile(fileName string) bool {
	return fileExists(filepath.Join(r.Dir, fileName))
}

// FilePath returns the local path of fileName, or an error if it is not in the repository.
func (r *Repo) FilePath(fileName string) (string, error) {
	p := filepath.Join(r.Dir, fileName)
	if !fileExists(p) {
		return "", errors.Errorf("file %q not found in repository %q", fileName, r.Dir)
	}
	return p, nil
}

// IterFileNames iterates over the regular files at the root of the repository, in lexicographic order.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		entries, err := os.ReadDir(r.Dir)
		if err != nil {
			yield("", errors.Wrapf(err, "failed to list repository %q", r.Dir))
			return
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

// IsEmpty returns true if the repository directory doesn't exist or has no entries.
func (r *Repo) IsEmpty() (bool, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.Wrapf(err, "failed to list %q", r.Dir)
	}
	return len(entries) == 0, nil
}

// CopyFilesTo copies the named files, those that exist, into dstDir. It returns the names copied.
func (r *Repo) CopyFilesTo(dstDir string, fileNames ...string) ([]string, error) {
	var copied []string
	for _, name := range fileNames {
		if !r.HasFile(name) {
			continue
		}
		src, err := os.Open(filepath.Join(r.Dir, name))
		if err != nil {
			return copied, errors.Wrapf(err, "failed to open %q", name)
		}
		err = WriteFileAtomic(filepath.Join(dstDir, name), func(w io.Writer) error {
			_, err := io.Copy(w, src)
			return err
		})
		_ = src.Close()
		if err != nil {
			return copied, errors.WithMessagef(err, "while copying %q to %q", name, dstDir)
		}
		copied = append(copied, name)
	}
	return copied, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
