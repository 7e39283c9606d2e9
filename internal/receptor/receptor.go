// Package receptor caches prepared receptors by name so that repeated submissions
// against the same target do not rebuild it.
package receptor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dockingserver/internal/apperrors"
)

// Limits
const (
	maxNameLength = 128
	MaxBlobSize   = 64 << 20 // 64 MB
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Receptor is a prepared docking target. It is shared between concurrent queries
// and must not be modified after it has been cached.
type Receptor struct {
	Name    string
	Data    []byte
	Digest  string // hex sha256 of Data
	Origin  string // file path, or "blob"
	BuiltAt time.Time
}

// Source is the raw form a receptor is built from: either bytes supplied by the
// client, or a path readable by the server. Paths from clients are confined to
// the builder's directory; Trusted paths come from the operator and are not.
type Source struct {
	Blob    []byte
	Path    string
	Trusted bool
}

// IsZero reports whether no raw form was supplied.
func (s Source) IsZero() bool {
	return len(s.Blob) == 0 && s.Path == ""
}

// Builder turns a raw Source into a Receptor.
type Builder interface {
	Build(ctx context.Context, name string, src Source) (*Receptor, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, name string, src Source) (*Receptor, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, name string, src Source) (*Receptor, error) {
	return f(ctx, name, src)
}

// FileBuilder loads receptor bytes from a blob or a local file. It does not parse
// the format; the scorer does.
type FileBuilder struct {
	MaxSize int64 // default MaxBlobSize

	// Dir holds the files clients may name. Relative client paths resolve
	// against it and nothing outside it can be read, symlinks included. Empty
	// refuses client paths.
	Dir string
}

// Build implements Builder.
func (b FileBuilder) Build(ctx context.Context, name string, src Source) (*Receptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := b.MaxSize
	if limit <= 0 {
		limit = MaxBlobSize
	}

	var data []byte
	origin := "blob"
	switch {
	case len(src.Blob) > 0:
		data = append([]byte(nil), src.Blob...)
	case src.Path != "":
		var err error
		if data, err = b.read(src, limit); err != nil {
			return nil, err
		}
		origin = src.Path
	default:
		return nil, apperrors.Validation("receptor", "receptor data is required")
	}

	if len(data) == 0 {
		return nil, apperrors.Validation("receptor", "receptor is empty")
	}
	if int64(len(data)) > limit {
		return nil, apperrors.Validation("receptor", fmt.Sprintf("receptor exceeds maximum size of %d bytes", limit))
	}

	sum := sha256.Sum256(data)
	return &Receptor{
		Name:    name,
		Data:    data,
		Digest:  hex.EncodeToString(sum[:]),
		Origin:  origin,
		BuiltAt: time.Now(),
	}, nil
}

func (b FileBuilder) read(src Source, limit int64) ([]byte, error) {
	f, err := b.open(src)
	if err != nil {
		return nil, apperrors.Validation("receptor", fmt.Sprintf("unable to read receptor %s: %v", src.Path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.Validation("receptor", fmt.Sprintf("unable to read receptor %s: %v", src.Path, err))
	}
	if !info.Mode().IsRegular() {
		return nil, apperrors.Validation("receptor", fmt.Sprintf("receptor %s is not a regular file", src.Path))
	}
	if info.Size() > limit {
		return nil, apperrors.Validation("receptor", fmt.Sprintf("receptor file exceeds maximum size of %d bytes", limit))
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, apperrors.Validation("receptor", fmt.Sprintf("unable to read receptor %s: %v", src.Path, err))
	}
	return data, nil
}

var errPathsRefused = errors.New("receptor paths are not accepted, upload the receptor data instead")

func (b FileBuilder) open(src Source) (*os.File, error) {
	if src.Trusted {
		return os.Open(src.Path)
	}
	if b.Dir == "" {
		return nil, errPathsRefused
	}
	dir, err := filepath.Abs(b.Dir)
	if err != nil {
		return nil, err
	}
	rel := src.Path
	if filepath.IsAbs(rel) {
		if rel, err = filepath.Rel(dir, rel); err != nil {
			return nil, err
		}
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.Open(rel)
}

// ValidateName checks a receptor name.
func ValidateName(name string) error {
	if name == "" {
		return apperrors.Validation("receptor_name", "receptor name is required")
	}
	if len(name) > maxNameLength {
		return apperrors.Validation("receptor_name", fmt.Sprintf("receptor name exceeds maximum length of %d", maxNameLength))
	}
	if !namePattern.MatchString(name) {
		return apperrors.Validation("receptor_name", "receptor name must be alphanumeric (dots, hyphens and underscores allowed)")
	}
	return nil
}

// NameFromPath derives a receptor name from a file path: the file name up to its
// first dot, so "/data/gly_adrp.oeb" becomes "gly_adrp".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// ParseNamed splits a "path:name" preload argument.
func ParseNamed(arg string) (path, name string, err error) {
	i := strings.LastIndexByte(arg, ':')
	if i <= 0 || i == len(arg)-1 {
		return "", "", fmt.Errorf("named receptor %q must be path:name", arg)
	}
	return arg[:i], arg[i+1:], nil
}
