package filestore

import (
	"io"
	"os"
	"path"
	"sync"

	"example.com/btengine/lib/core/adapter/storage"
	"example.com/btengine/lib/logger"

	"github.com/spf13/afero"
)

var l_filestore = logger.Named("filestore")

const fileFlags = os.O_CREATE | os.O_RDWR

// Factory opens afero-backed storage units under BasePath. A missing
// file is created on first touch; an existing file longer than its
// declared length is truncated to it, a shorter one is left as is.
type Factory struct {
	Fs       afero.Fs
	BasePath string
}

var _ storage.Factory = Factory{}

func New(basePath string) Factory {
	return Factory{Fs: afero.NewOsFs(), BasePath: basePath}
}

func (f Factory) OpenUnit(filePath []string, length int64) (storage.Unit, error) {
	fragments := append([]string{f.BasePath}, filePath...)
	pathToFile := path.Join(fragments...)

	if err := f.Fs.MkdirAll(path.Dir(pathToFile), 0755); err != nil {
		return nil, err
	}
	file, err := f.Fs.OpenFile(pathToFile, fileFlags, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := info.Size()
	if size > length {
		if err := file.Truncate(length); err != nil {
			file.Close()
			return nil, err
		}
		size = length
	}
	l_filestore.Sugar().Debugw("opened unit", "path", pathToFile, "capacity", length, "size", size)
	return &unit{file: file, capacity: length, size: size}, nil
}

type unit struct {
	mu       sync.Mutex
	file     afero.File
	capacity int64
	size     int64
}

var _ storage.Unit = &unit{}

func (u *unit) ReadBlock(buf []byte, offset int64) (int, error) {
	if offset >= u.capacity {
		return 0, io.EOF
	}
	if offset > u.capacity-int64(len(buf)) {
		buf = buf[:u.capacity-offset]
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	n, err := u.file.ReadAt(buf, offset)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (u *unit) WriteBlock(buf []byte, offset int64) (int, error) {
	if offset >= u.capacity {
		return 0, io.ErrShortWrite
	}
	if offset > u.capacity-int64(len(buf)) {
		buf = buf[:u.capacity-offset]
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	n, err := u.file.WriteAt(buf, offset)
	if end := offset + int64(n); end > u.size {
		u.size = end
	}
	return n, err
}

func (u *unit) Capacity() int64 {
	return u.capacity
}

func (u *unit) Size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.file.Close()
}
