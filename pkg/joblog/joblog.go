package joblog

import (
	"io"
	"os"
	"sync"

	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

const archiveSuffix = ".log.gz"

// Stash of per-job process output. A job's log is written raw while
// the process runs and compressed into an archive when it closes.
// The stash enforces a maximum total size by evicting the least
// recently used archives.
type Stash interface {
	// Create a log for a job. The returned writer receives the
	// process output; closing it archives the log.
	Create(jobId string) (io.WriteCloser, error)

	// Open the archived log of a finished job.
	Read(jobId string) (io.ReadCloser, error)

	// Total size of all archived logs in bytes.
	Size() int64

	// Number of archived logs.
	Count() int
}

type archivedLog struct {
	fs   afero.Fs
	path string
	size int64
}

func newArchivedLog(fs afero.Fs, path string) *archivedLog {
	var size int64

	if st, err := fs.Stat(path); err == nil {
		size = st.Size()
	}

	return &archivedLog{
		fs:   fs,
		path: path,
		size: size,
	}
}

func (f *archivedLog) Path() string {
	return f.path
}

func (f *archivedLog) Size() int64 {
	return f.size
}

func (f *archivedLog) Unlink() error {
	return f.fs.Remove(f.path)
}

type stash struct {
	sync.Mutex
	fs     afero.Fs
	logger *log.Logger
	lru    *utils.LRU[*archivedLog]
}

// Create a new job-log stash on the given filesystem.
// Existing archives are loaded into the eviction index.
func NewStash(fs afero.Fs, maxSize int64, logger *log.Logger) Stash {
	s := &stash{
		fs:     fs,
		logger: logger,
	}

	s.lru = utils.NewLRU(maxSize, func(item *archivedLog) {
		logger.Debug("del - joblog - id:", item.Path())
		item.Unlink()
	})

	logCount := 0
	afero.Walk(fs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}

		s.lru.Add(newArchivedLog(fs, path))
		logCount++
		return nil
	})

	logger.Infof("Loaded %d job logs into the stash. Size: %s / %s",
		logCount, utils.HumanByteSize(s.lru.Size()), utils.HumanByteSize(maxSize))

	return s
}

func (s *stash) Create(jobId string) (io.WriteCloser, error) {
	file, err := s.fs.Create(jobId + ".log")
	if err != nil {
		return nil, err
	}

	s.logger.Debug("add - joblog - id:", jobId)

	return &logWriter{
		stash: s,
		jobId: jobId,
		file:  file,
	}, nil
}

func (s *stash) Read(jobId string) (io.ReadCloser, error) {
	file, err := s.fs.Open(jobId + archiveSuffix)
	if err != nil {
		return nil, utils.ErrNotFound
	}

	zr, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &logReader{file: file, zr: zr}, nil
}

func (s *stash) Size() int64 {
	return s.lru.Size()
}

func (s *stash) Count() int {
	return s.lru.Count()
}

// Compress the raw log into its archive and index it for eviction.
func (s *stash) archive(jobId string) error {
	rawPath := jobId + ".log"

	raw, err := s.fs.Open(rawPath)
	if err != nil {
		return err
	}
	defer raw.Close()

	archive, err := s.fs.Create(jobId + archiveSuffix)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(archive)
	if _, err := io.Copy(zw, raw); err != nil {
		archive.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		archive.Close()
		return err
	}
	if err := archive.Close(); err != nil {
		return err
	}

	s.fs.Remove(rawPath)

	s.Lock()
	defer s.Unlock()
	s.lru.Add(newArchivedLog(s.fs, jobId+archiveSuffix))
	return nil
}

type logWriter struct {
	stash *stash
	jobId string

	mu   sync.Mutex
	file afero.File
}

func (w *logWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, utils.ErrClosed
	}
	return w.file.Write(data)
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	return w.stash.archive(w.jobId)
}

type logReader struct {
	file afero.File
	zr   *gzip.Reader
}

func (r *logReader) Read(p []byte) (int, error) {
	return r.zr.Read(p)
}

func (r *logReader) Close() error {
	r.zr.Close()
	return r.file.Close()
}
