package config

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/juju/errors"
)

// config source larger than this is certainly a mistake
const maxSourceSize = 1 << 20

// FullReader resolves source names to content.
type FullReader interface {
	// Normalize maps include name to unique key, used for loop detection.
	Normalize(name string) string
	// ReadAll returns nil,nil when key does not exist.
	ReadAll(key string) ([]byte, error)
}

// OsFullReader reads files, relative names are resolved against base directory.
type OsFullReader struct {
	base string
}

var _ FullReader = &OsFullReader{}

func NewOsFullReader(base string) (*OsFullReader, error) {
	r := &OsFullReader{}
	if err := r.SetBase(base); err != nil {
		return nil, err
	}
	return r, nil
}

func (self *OsFullReader) SetBase(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.Annotatef(err, "config base=%s", dir)
	}
	self.base = abs
	return nil
}

func (self *OsFullReader) Normalize(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(self.base, name)
}

func (self *OsFullReader) ReadAll(key string) ([]byte, error) {
	f, err := os.Open(key)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxSourceSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxSourceSize {
		return nil, errors.NotValidf("config file=%s larger than %d bytes", key, maxSourceSize)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// MockFullReader serves sources from memory, for tests.
type MockFullReader struct {
	Map map[string]string
}

var _ FullReader = &MockFullReader{}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (self *MockFullReader) Normalize(name string) string { return path.Clean(name) }

func (self *MockFullReader) ReadAll(key string) ([]byte, error) {
	s, ok := self.Map[key]
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}
