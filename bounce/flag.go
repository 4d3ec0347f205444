package bounce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/amp-labs/keyremap-controller/should"
	"github.com/gofrs/flock"
	toml "github.com/pelletier/go-toml/v2"
)

// FlagFileName is the file FileStore keeps the flag in.
const FlagFileName = "bounce.toml"

const lockRetryDelay = 10 * time.Millisecond

// Flag is the persisted record that a bounce is owed. Request identifies the
// latest request; every RequestBounce gives it a new value.
type Flag struct {
	Needed      bool       `toml:"needed"`
	Request     string     `toml:"request,omitempty"`
	Since       *time.Time `toml:"since,omitempty"`
	Reason      string     `toml:"reason,omitempty"`
	Attempts    int        `toml:"attempts"`
	LastAttempt *time.Time `toml:"last_attempt,omitempty"`
}

// UpdateFunc edits a flag in place and reports whether it changed. Returning
// false or an error leaves the stored flag alone.
type UpdateFunc func(flag *Flag) (bool, error)

// Store persists the flag outside process memory. Update is exclusive against
// every other Update on the same flag, including ones made from other
// processes. A flag left with Needed false is removed.
type Store interface {
	Load(ctx context.Context) (Flag, error)
	Update(ctx context.Context, fn UpdateFunc) error
}

// FileStore keeps the flag in a TOML file next to a lock file. Writes only
// return once the new contents and the rename are on disk.
type FileStore struct {
	dir string
}

// NewFileStore returns a store writing FlagFileName under dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the full path to the flag file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, FlagFileName)
}

func (s *FileStore) lockPath() string {
	return s.Path() + ".lock"
}

// Load returns the zero Flag when no file exists.
func (s *FileStore) Load(ctx context.Context) (Flag, error) {
	var flag Flag

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return flag, nil
		}

		return flag, fmt.Errorf("reading bounce flag: %w", err)
	}

	if err := toml.Unmarshal(data, &flag); err != nil {
		return flag, fmt.Errorf("parsing bounce flag %s: %w", s.Path(), err)
	}

	return flag, nil
}

// Update holds the lock file while it reads, edits and writes the flag.
func (s *FileStore) Update(ctx context.Context, fn UpdateFunc) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	lock := flock.New(s.lockPath())

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking bounce flag: %w", err)
	}

	if !locked {
		return fmt.Errorf("locking bounce flag: %w", ctx.Err())
	}

	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Get(ctx).Warn("unlocking bounce flag", "error", err)
		}
	}()

	flag, err := s.Load(ctx)
	if err != nil {
		return err
	}

	changed, err := fn(&flag)
	if err != nil || !changed {
		return err
	}

	if !flag.Needed {
		return s.remove()
	}

	return s.write(ctx, flag)
}

// write puts flag in a temp file, fsyncs it, renames it over the flag file
// and fsyncs the directory so the rename itself survives a crash.
func (s *FileStore) write(ctx context.Context, flag Flag) error {
	data, err := toml.Marshal(flag)
	if err != nil {
		return fmt.Errorf("encoding bounce flag: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, FlagFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp flag file: %w", err)
	}

	tmpName := tmp.Name()

	if err := writeAndSync(tmp, data); err != nil {
		should.Remove(ctx, tmpName, "removing temp flag file")

		return err
	}

	if err := os.Rename(tmpName, s.Path()); err != nil {
		should.Remove(ctx, tmpName, "removing temp flag file")

		return fmt.Errorf("replacing bounce flag: %w", err)
	}

	return syncDir(s.dir)
}

func (s *FileStore) remove() error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing bounce flag: %w", err)
	}

	return syncDir(s.dir)
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return fmt.Errorf("writing temp flag file: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()

		return fmt.Errorf("syncing temp flag file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp flag file: %w", err)
	}

	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("opening state dir: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing state dir: %w", err)
	}

	return nil
}

// MemoryStore keeps the flag in memory. It does not survive a restart and
// exists for tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	flag Flag

	// SaveErr, when set, fails every write.
	SaveErr error
}

func (s *MemoryStore) Load(context.Context) (Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flag, nil
}

func (s *MemoryStore) Update(_ context.Context, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := s.flag

	changed, err := fn(&flag)
	if err != nil || !changed {
		return err
	}

	if s.SaveErr != nil {
		return s.SaveErr
	}

	if !flag.Needed {
		flag = Flag{}
	}

	s.flag = flag

	return nil
}
