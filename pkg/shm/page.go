// Package shm implements named, memory-mapped shared pages.
//
// A page is opened either as owner (creates and sizes the backing object and
// unlinks it on close) or as attacher (maps an existing object at whatever
// size its owner gave it). A page that failed to open is non-functional:
// Valid reports false and Bytes returns nil, so callers check before use
// instead of handling panics.
package shm

import (
	"os"
	"sync"
	"time"

	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "shm")

// ErrExist is returned by an exclusive owner open when the name is taken.
var ErrExist = errors.New("shared page already exists")

// AttachPolicy is the retry budget of an attacher waiting for its owner to
// create the object.
var AttachPolicy = retry.Policy{Attempts: 10, Delay: time.Second}

// Page is one mapping of a named shared-memory object. The mapped address and
// length never change for the life of the mapping.
type Page struct {
	name      string
	path      string
	file      *os.File
	mem       []byte
	owner     bool
	recovered bool
	err       error
	mu        sync.Mutex
}

// Options tweaks how a page is opened.
type Options struct {
	// Clock drives the attach backoff. Nil means the wall clock.
	Clock retry.Clock
	// Policy overrides AttachPolicy when Attempts is non-zero.
	Policy retry.Policy
	// Mode is the permission of a created object; zero means 0600.
	Mode os.FileMode
	// Exclusive makes an owner fail on a name collision instead of
	// recreating the object.
	Exclusive bool
}

// Open maps the named object. As owner the object is created with the given
// length. As attacher, length is ignored and the object's stored size is used;
// when autoBackoff is set a missing object is retried per AttachPolicy.
// The returned page is never nil; check Valid.
func Open(name string, length int, owner, autoBackoff bool) *Page {
	return OpenWith(name, length, owner, autoBackoff, Options{})
}

func OpenWith(name string, length int, owner, autoBackoff bool, opts Options) *Page {
	p := &Page{name: name, path: Path(name), owner: owner}
	var err error
	if owner {
		err = p.create(length, opts)
	} else {
		err = p.attach(autoBackoff, opts)
	}
	if err != nil {
		log.Debugf("Page (%s) not mapped: %v", name, err)
		p.err = err
		p.reset()
	}
	return p
}

// Create is Open as owner.
func Create(name string, length int) *Page {
	return Open(name, length, true, false)
}

// Attach is Open as attacher.
func Attach(name string, autoBackoff bool) *Page {
	return Open(name, 0, false, autoBackoff)
}

func (p *Page) create(length int, opts Options) error {
	if length <= 0 {
		return errors.Errorf("invalid page length %d", length)
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0600
	}
	file, err := os.OpenFile(p.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, mode)
	if os.IsExist(err) && opts.Exclusive {
		return ErrExist
	}
	if os.IsExist(err) {
		log.Warnf("Page (%s) already exists, recreating it (stale previous instance?)", p.name)
		p.recovered = true
		file, err = os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, mode)
	}
	if err != nil {
		return errors.Wrapf(err, "create %s", p.path)
	}
	if err := file.Truncate(int64(length)); err != nil {
		file.Close()
		return errors.Wrapf(err, "resize %s", p.path)
	}
	mem, err := mmapFile(file, length)
	if err != nil {
		file.Close()
		return err
	}
	p.file = file
	p.mem = mem
	return nil
}

func (p *Page) attach(autoBackoff bool, opts Options) error {
	policy := AttachPolicy
	if opts.Policy.Attempts != 0 {
		policy = opts.Policy
	}
	if !autoBackoff {
		policy.Attempts = 1
	}
	var lastErr error
	ok := retry.Do(opts.Clock, policy, func(attempt int) bool {
		lastErr = p.tryAttach()
		if lastErr != nil && attempt == 0 && autoBackoff {
			log.Debugf("Page (%s) not available yet, waiting", p.name)
		}
		return lastErr == nil
	})
	if !ok {
		return lastErr
	}
	return nil
}

func (p *Page) tryAttach() error {
	file, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", p.path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "stat %s", p.path)
	}
	if info.Size() == 0 {
		// the owner has created but not yet sized the object
		file.Close()
		return errors.Errorf("%s is not sized yet", p.path)
	}
	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return err
	}
	p.file = file
	p.mem = mem
	return nil
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap failed")
	}
	return mem, nil
}

func (p *Page) reset() {
	if p.file != nil {
		p.file.Close()
	}
	p.file = nil
	p.mem = nil
}

// Err returns why the page failed to open, if it did.
func (p *Page) Err() error {
	if p == nil {
		return nil
	}
	return p.err
}

// Valid reports whether the page is mapped.
func (p *Page) Valid() bool {
	return p != nil && p.mem != nil
}

// Bytes returns the mapped region, or nil for a non-functional page.
func (p *Page) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.mem
}

// Len returns the mapped length.
func (p *Page) Len() int {
	if p == nil {
		return 0
	}
	return len(p.mem)
}

func (p *Page) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// IsOwner reports whether closing this handle unlinks the object.
func (p *Page) IsOwner() bool {
	return p != nil && p.owner
}

// Recovered reports whether an owner found a stale object under its name.
func (p *Page) Recovered() bool {
	return p != nil && p.recovered
}

// Disown keeps the object alive after this handle closes.
func (p *Page) Disown() {
	if p != nil {
		p.owner = false
	}
}

// Exists reports whether the object this page mapped is still linked under
// its name, i.e. the owner has not torn it down or replaced it.
func (p *Page) Exists() bool {
	if !p.Valid() {
		return false
	}
	linked, err := os.Stat(p.path)
	if err != nil {
		return false
	}
	mapped, err := p.file.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(linked, mapped)
}

// Close unmaps the page and, for an owner, unlinks the backing object.
func (p *Page) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.mem != nil {
		if uerr := unix.Munmap(p.mem); uerr != nil {
			err = errors.Wrapf(uerr, "munmap %s", p.name)
		}
		p.mem = nil
	}
	if p.file != nil {
		p.file.Close()
		p.file = nil
		if p.owner && p.name != "" {
			if uerr := Unlink(p.name); uerr != nil && err == nil {
				err = errors.Wrapf(uerr, "unlink %s", p.name)
			}
		}
	}
	return err
}
