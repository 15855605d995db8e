// Package firmware unpacks base64-encoded firmware archives into a
// versioned on-disk layout and tracks the active version.
//
// Layout under the install root:
//
//	<root>/<device class>/<version>/...   unpacked archive
//	<root>/<device class>/current         symlink to the active version
package firmware

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const DefaultPath = "/var/dataplicity/firmware"

// currentLink is the symlink name pointing at the active version.
const currentLink = "current"

var (
	ErrBadPayload       = errors.New("firmware: payload is not a valid archive")
	ErrSandboxViolation = errors.New("firmware: archive escapes install directory")
)

// Installer unpacks firmware archives under Root. The zero value is not
// usable; call NewInstaller.
type Installer struct {
	root string
	log  zerolog.Logger
}

func NewInstaller(root string, log zerolog.Logger) *Installer {
	if root == "" {
		root = DefaultPath
	}
	return &Installer{root: filepath.Clean(root), log: log}
}

// Root returns the install root directory.
func (i *Installer) Root() string {
	return i.root
}

// Path returns the directory a given firmware version installs to.
func (i *Installer) Path(deviceClass string, version int) string {
	return filepath.Join(i.root, deviceClass, strconv.Itoa(version))
}

// CurrentPath returns the symlink marking the active version for a
// device class.
func (i *Installer) CurrentPath(deviceClass string) string {
	return filepath.Join(i.root, deviceClass, currentLink)
}

// Install decodes a base64 zip payload, unpacks it into the version
// directory, and repoints the current symlink. It returns the install
// path. A prior install of the same version is replaced.
func (i *Installer) Install(deviceClass string, version int, firmwareB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(firmwareB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	dest := i.Path(deviceClass, version)
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	for _, file := range archive.File {
		if err := i.extract(file, dest); err != nil {
			return "", err
		}
	}
	if err := i.activate(deviceClass, dest); err != nil {
		return "", err
	}

	i.log.Info().
		Str("device_class", deviceClass).
		Int("version", version).
		Str("path", dest).
		Msg("firmware installed")
	return dest, nil
}

func (i *Installer) extract(file *zip.File, dest string) error {
	target := filepath.Clean(filepath.Join(dest, file.Name))
	if !isWithin(target, dest) {
		return fmt.Errorf("%w: %q", ErrSandboxViolation, file.Name)
	}
	mode := file.Mode()
	if mode&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: symlink %q", ErrSandboxViolation, file.Name)
	}
	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := os.FileMode(0o644)
	if mode.Perm()&0o100 != 0 {
		perm = 0o755
	}
	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// activate repoints the current symlink via a rename so a reader never
// observes a missing link.
func (i *Installer) activate(deviceClass, dest string) error {
	link := i.CurrentPath(deviceClass)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Base(dest), tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
