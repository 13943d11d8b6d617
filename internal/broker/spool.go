package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/conveyor/internal/codec"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/model"
	yamlutil "github.com/msageha/conveyor/internal/yaml"
)

// spoolFile is <dir>/<queue>.yaml.
type spoolFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Queue         string       `yaml:"queue"`
	NextSeq       uint64       `yaml:"next_seq"`
	Entries       []spoolEntry `yaml:"entries"`
}

type spoolEntry struct {
	ID             string       `yaml:"id"`
	Status         model.Status `yaml:"status"`
	Seq            uint64       `yaml:"seq"`
	ReadyAt        time.Time    `yaml:"ready_at"`
	LeaseOwner     *string      `yaml:"lease_owner"`
	LeaseExpiresAt *string      `yaml:"lease_expires_at"`
	LeaseEpoch     int          `yaml:"lease_epoch"`
	Message        string       `yaml:"message"` // codec encoding of the envelope
}

// deadLetterArchive is <dir>/dead_letters/<queue>/<id>.yaml.
type deadLetterArchive struct {
	SchemaVersion  int    `yaml:"schema_version"`
	FileType       string `yaml:"file_type"`
	Queue          string `yaml:"queue"`
	ID             string `yaml:"id"`
	Task           string `yaml:"task"`
	RetryCount     int    `yaml:"retry_count"`
	LastError      string `yaml:"last_error,omitempty"`
	Reason         string `yaml:"reason"`
	DeadLetteredAt string `yaml:"dead_lettered_at"`
	Message        string `yaml:"message"`
}

type spoolLease struct {
	queue    string
	epoch    int
	deadline time.Time
}

// Spool is a broker backed by YAML files in one directory. Every mutation
// holds both an in-process mutex and a flock on the queue so that producers
// in other processes can append safely.
type Spool struct {
	dir     string
	opts    Options
	lockMap *lock.MutexMap

	mu     sync.Mutex
	leases map[string]spoolLease // in-flight id -> queue and lease epoch
	closed bool

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
	wakeMu    sync.Mutex
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewSpool(dir string, opts Options) (*Spool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{
		dir:     dir,
		opts:    opts.withDefaults(),
		lockMap: lock.NewMutexMap(),
		leases:  make(map[string]spoolLease),
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (s *Spool) Dir() string { return s.dir }

func (s *Spool) queuePath(queue string) string {
	return filepath.Join(s.dir, queue+".yaml")
}

func (s *Spool) archiveDir(queue string) string {
	return filepath.Join(s.dir, "dead_letters", queue)
}

func validSpoolQueue(queue string) error {
	if queue == "" || strings.ContainsAny(queue, `/\`) || strings.HasPrefix(queue, ".") {
		return fmt.Errorf("invalid spool queue name %q", queue)
	}
	return nil
}

// withQueue runs fn under the queue's locks with the loaded file. The file is
// written back only when fn reports a change.
func (s *Spool) withQueue(queue string, fn func(f *spoolFile) (bool, error)) error {
	if err := validSpoolQueue(queue); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.lockMap.Lock(queue)
	defer s.lockMap.Unlock(queue)

	fl := lock.NewFileLock(filepath.Join(s.dir, ".locks", queue+".lock"))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer fl.Unlock()

	f, err := s.load(queue)
	if err != nil {
		return err
	}
	dirty, err := fn(f)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := yamlutil.AtomicWrite(s.queuePath(queue), f); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, queue, err)
	}
	return nil
}

func (s *Spool) load(queue string) (*spoolFile, error) {
	path := s.queuePath(queue)
	empty := &spoolFile{SchemaVersion: yamlutil.CurrentSchemaVersion, FileType: yamlutil.FileTypeSpoolQueue, Queue: queue}

	var f spoolFile
	err := yamlutil.ReadFile(path, &f)
	if err == nil {
		err = yamlutil.SchemaHeader{SchemaVersion: f.SchemaVersion, FileType: f.FileType}.Validate(yamlutil.FileTypeSpoolQueue)
		if err != nil {
			err = &yamlutil.ParseError{Path: path, Err: err}
		}
	}
	switch {
	case err == nil:
		return &f, nil
	case errors.Is(err, os.ErrNotExist):
		return empty, nil
	}

	var pe *yamlutil.ParseError
	if !errors.As(err, &pe) {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, queue, err)
	}

	restored, quarantined, rerr := yamlutil.RecoverCorruptedFile(s.dir, path)
	if rerr != nil {
		return nil, fmt.Errorf("%w: recover %s: %v", ErrUnavailable, queue, rerr)
	}
	s.opts.Logger.Warn("spool_corrupt queue=%s quarantined=%s restored=%t error=%v", queue, quarantined, restored, err)
	if !restored {
		return empty, nil
	}
	f = spoolFile{}
	if err := yamlutil.ReadFile(path, &f); err != nil {
		s.opts.Logger.Warn("spool_backup_unreadable queue=%s error=%v", queue, err)
		return empty, nil
	}
	return &f, nil
}

func (s *Spool) archived(queue, id string) bool {
	_, err := os.Stat(filepath.Join(s.archiveDir(queue), id+".yaml"))
	return err == nil
}

func (s *Spool) Enqueue(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	return s.withQueue(env.Queue, func(f *spoolFile) (bool, error) {
		for _, e := range f.Entries {
			if e.ID == env.ID {
				return false, fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
			}
		}
		if s.archived(env.Queue, env.ID) {
			return false, fmt.Errorf("%w: %s (dead-lettered)", ErrDuplicateID, env.ID)
		}
		f.NextSeq++
		f.Entries = append(f.Entries, spoolEntry{
			ID:      env.ID,
			Status:  model.StatusPending,
			Seq:     f.NextSeq,
			ReadyAt: time.Now().UTC().Add(delay),
			Message: string(raw),
		})
		return true, nil
	})
}

func (s *Spool) Poll(ctx context.Context, queues []string, max int) ([]*model.TaskEnvelope, error) {
	var out []*model.TaskEnvelope
	for _, q := range queues {
		if len(out) >= max {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		err := s.withQueue(q, func(f *spoolFile) (bool, error) {
			now := time.Now().UTC()
			dirty := s.recoverExpiredLeases(f, now)

			ready := make([]int, 0, len(f.Entries))
			for i, e := range f.Entries {
				if e.Status == model.StatusPending && !e.ReadyAt.After(now) {
					ready = append(ready, i)
				}
			}
			sort.SliceStable(ready, func(a, b int) bool {
				ea, eb := f.Entries[ready[a]], f.Entries[ready[b]]
				if !ea.ReadyAt.Equal(eb.ReadyAt) {
					return ea.ReadyAt.Before(eb.ReadyAt)
				}
				return ea.Seq < eb.Seq
			})

			drop := make(map[int]bool)
			for _, i := range ready {
				if len(out) >= max {
					break
				}
				e := &f.Entries[i]
				env, err := codec.Decode([]byte(e.Message))
				if err != nil {
					if _, qerr := yamlutil.QuarantineBytes(s.dir, q+"_"+e.ID, []byte(e.Message)); qerr != nil {
						s.opts.Logger.Warn("quarantine_failed queue=%s id=%s error=%v", q, e.ID, qerr)
					}
					s.opts.malformed(q, []byte(e.Message), err)
					drop[i] = true
					dirty = true
					continue
				}
				if err := s.acquireLease(e, now); err != nil {
					s.opts.Logger.Warn("lease_acquire_failed queue=%s id=%s error=%v", q, e.ID, err)
					continue
				}
				dirty = true
				deadline := now.Add(s.opts.Visibility)
				s.mu.Lock()
				s.leases[e.ID] = spoolLease{queue: q, epoch: e.LeaseEpoch, deadline: deadline}
				s.mu.Unlock()
				out = append(out, leaseCopy(env, deadline))
			}
			if len(drop) > 0 {
				kept := f.Entries[:0]
				for i, e := range f.Entries {
					if !drop[i] {
						kept = append(kept, e)
					}
				}
				f.Entries = kept
			}
			return dirty, nil
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Spool) acquireLease(e *spoolEntry, now time.Time) error {
	if err := model.ValidateEntryTransition(e.Status, model.StatusInProgress); err != nil {
		return fmt.Errorf("cannot acquire lease: %w", err)
	}
	owner := s.opts.Owner
	expires := now.Add(s.opts.Visibility).Format(time.RFC3339Nano)
	e.Status = model.StatusInProgress
	e.LeaseOwner = &owner
	e.LeaseExpiresAt = &expires
	e.LeaseEpoch++
	s.opts.Logger.Debug("lease_acquire id=%s owner=%s epoch=%d expires=%s", e.ID, owner, e.LeaseEpoch, expires)
	return nil
}

func (s *Spool) releaseLease(e *spoolEntry) error {
	if err := model.ValidateEntryTransition(e.Status, model.StatusPending); err != nil {
		return fmt.Errorf("cannot release lease: %w", err)
	}
	e.Status = model.StatusPending
	e.LeaseOwner = nil
	e.LeaseExpiresAt = nil
	return nil
}

func isLeaseExpired(expiresAt *string, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, *expiresAt)
	if err != nil {
		return true
	}
	return !now.Before(t)
}

func (s *Spool) recoverExpiredLeases(f *spoolFile, now time.Time) bool {
	dirty := false
	for i := range f.Entries {
		e := &f.Entries[i]
		if e.Status != model.StatusInProgress || !isLeaseExpired(e.LeaseExpiresAt, now) {
			continue
		}
		owner := ""
		if e.LeaseOwner != nil {
			owner = *e.LeaseOwner
		}
		if err := s.releaseLease(e); err != nil {
			continue
		}
		e.ReadyAt = now
		dirty = true
		s.opts.Logger.Warn("lease_expired queue=%s id=%s owner=%s epoch=%d", f.Queue, e.ID, owner, e.LeaseEpoch)
	}
	return dirty
}

// findLeased returns the entry index for an envelope this broker leased, or -1
// when the lease has since expired and been taken by someone else.
func findLeased(f *spoolFile, id string, epoch int) int {
	for i, e := range f.Entries {
		if e.ID == id && e.Status == model.StatusInProgress && e.LeaseEpoch == epoch {
			return i
		}
	}
	return -1
}

func (s *Spool) takeLease(id string) (spoolLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if ok {
		delete(s.leases, id)
	}
	return l, ok
}

// takeLeaseFor is takeLease restricted to the lease env was delivered under.
func (s *Spool) takeLeaseFor(env *model.TaskEnvelope) (spoolLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[env.ID]
	if !ok || !sameLease(env, l.deadline) {
		return spoolLease{}, false
	}
	delete(s.leases, env.ID)
	return l, true
}

func (s *Spool) restoreLease(id string, l spoolLease) {
	s.mu.Lock()
	s.leases[id] = l
	s.mu.Unlock()
}

func (s *Spool) Ack(ctx context.Context, id string) error {
	l, ok := s.takeLease(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := s.withQueue(l.queue, func(f *spoolFile) (bool, error) {
		i := findLeased(f, id, l.epoch)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		f.Entries = append(f.Entries[:i], f.Entries[i+1:]...)
		return true, nil
	})
	if IsUnavailable(err) {
		s.restoreLease(id, l)
	}
	return err
}

func (s *Spool) Nack(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	l, ok := s.takeLeaseFor(env)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
	}
	err = s.withQueue(l.queue, func(f *spoolFile) (bool, error) {
		i := findLeased(f, env.ID, l.epoch)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, env.ID)
		}
		e := &f.Entries[i]
		if err := s.releaseLease(e); err != nil {
			return false, err
		}
		e.ReadyAt = time.Now().UTC().Add(delay)
		e.Message = string(raw)
		return true, nil
	})
	if IsUnavailable(err) {
		s.restoreLease(env.ID, l)
	}
	return err
}

// DeadLetter archives env and removes it from its queue. It is fenced by the
// lease epoch like Ack and Nack: a worker whose lease was taken over gets
// ErrNotFound. Repeating it for an archived id is a no-op.
func (s *Spool) DeadLetter(ctx context.Context, env *model.TaskEnvelope) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	l, ok := s.takeLeaseFor(env)
	if !ok {
		if s.archived(env.Queue, env.ID) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
	}
	err = s.withQueue(l.queue, func(f *spoolFile) (bool, error) {
		i := findLeased(f, env.ID, l.epoch)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, env.ID)
		}
		if err := model.ValidateEntryTransition(f.Entries[i].Status, model.StatusDeadLetter); err != nil {
			return false, err
		}
		if !s.archived(env.Queue, env.ID) {
			if err := s.archive(env, raw); err != nil {
				return false, fmt.Errorf("%w: archive %s: %v", ErrUnavailable, env.ID, err)
			}
		}
		f.Entries = append(f.Entries[:i], f.Entries[i+1:]...)
		return true, nil
	})
	if IsUnavailable(err) {
		s.restoreLease(env.ID, l)
	}
	return err
}

func (s *Spool) archive(env *model.TaskEnvelope, raw []byte) error {
	reason := ""
	at := time.Now().UTC()
	if env.DeadLetter != nil {
		reason = env.DeadLetter.Reason
		at = env.DeadLetter.At
	}
	a := deadLetterArchive{
		SchemaVersion:  yamlutil.CurrentSchemaVersion,
		FileType:       yamlutil.FileTypeDeadLetter,
		Queue:          env.Queue,
		ID:             env.ID,
		Task:           env.Task,
		RetryCount:     env.RetryCount,
		LastError:      env.LastError,
		Reason:         reason,
		DeadLetteredAt: at.Format(time.RFC3339),
		Message:        string(raw),
	}
	return yamlutil.AtomicWrite(filepath.Join(s.archiveDir(env.Queue), env.ID+".yaml"), a)
}

func (s *Spool) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrUnavailable, s.dir)
	}
	return nil
}

func (s *Spool) Depth(ctx context.Context, queue string) (Depth, error) {
	var d Depth
	err := s.withQueue(queue, func(f *spoolFile) (bool, error) {
		for _, e := range f.Entries {
			switch e.Status {
			case model.StatusPending:
				d.Ready++
			case model.StatusInProgress:
				d.InFlight++
			}
		}
		return false, nil
	})
	if err != nil {
		return Depth{}, err
	}
	entries, err := os.ReadDir(s.archiveDir(queue))
	if err != nil && !os.IsNotExist(err) {
		return Depth{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			d.Dead++
		}
	}
	return d, nil
}

func (s *Spool) DeadLetters(ctx context.Context, queue string) ([]*model.TaskEnvelope, error) {
	dir := s.archiveDir(queue)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []*model.TaskEnvelope
	for _, de := range entries {
		if !strings.HasSuffix(de.Name(), ".yaml") {
			continue
		}
		var a deadLetterArchive
		if err := yamlutil.ReadFile(filepath.Join(dir, de.Name()), &a); err != nil {
			s.opts.Logger.Warn("dead_letter_unreadable file=%s error=%v", de.Name(), err)
			continue
		}
		env, err := codec.Decode([]byte(a.Message))
		if err != nil {
			s.opts.Logger.Warn("dead_letter_decode_failed file=%s error=%v", de.Name(), err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Wake starts watching the spool directory on first use and returns a
// channel that is closed when any queue file changes.
func (s *Spool) Wake() <-chan struct{} {
	s.watchOnce.Do(s.startWatcher)
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	return s.wake
}

func (s *Spool) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.opts.Logger.Warn("fsnotify_unavailable error=%v", err)
		return
	}
	if err := w.Add(s.dir); err != nil {
		s.opts.Logger.Warn("fsnotify_add_failed dir=%s error=%v", s.dir, err)
		w.Close()
		return
	}
	s.watcher = w
	s.wg.Add(1)
	go s.watchLoop(w)
}

func (s *Spool) watchLoop(w *fsnotify.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.opts.Logger.Debug("fsnotify event=%s file=%s", event.Op, name)
				s.signal()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.opts.Logger.Error("fsnotify error=%v", err)
		}
	}
}

func (s *Spool) signal() {
	s.wakeMu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.wakeMu.Unlock()
}

func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Prevent a later Wake from starting a watcher.
	s.watchOnce.Do(func() {})
	close(s.done)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

var (
	_ Broker    = (*Spool)(nil)
	_ Producer  = (*Spool)(nil)
	_ Waker     = (*Spool)(nil)
	_ Inspector = (*Spool)(nil)
)
