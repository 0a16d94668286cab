package transfer

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
)

// PartSuffix is appended to a file's physical name while chunks are still
// arriving. The part file is renamed into place on close.
const PartSuffix = ".part"

// DefaultGracePeriod is how long a released handle stays open waiting for
// the next chunk before the reaper closes it.
const DefaultGracePeriod = 2 * time.Minute

// UploadHandle is one open part file. Handles are reused across chunks of
// the same upload so each chunk doesn't pay the traversal cost again.
type UploadHandle struct {
	targetPath string
	partPath   string
	file       *os.File
	lastUsed   time.Time
	inUse      bool
}

type HandlePoolOptionFN func(*HandlePool)

// HandlePool owns every open upload handle in this process, keyed by the
// final physical path. The pool is process-local: chunks of one upload
// session must be routed to one process.
type HandlePool struct {
	mu          sync.Mutex
	fs          *nativefs.FS
	handles     map[string]*UploadHandle
	gracePeriod time.Duration
}

func NewHandlePool(fs *nativefs.FS, optFNs ...HandlePoolOptionFN) *HandlePool {
	p := &HandlePool{
		fs:          fs,
		handles:     make(map[string]*UploadHandle),
		gracePeriod: DefaultGracePeriod,
	}

	for _, optfn := range optFNs {
		optfn(p)
	}

	return p
}

func WithGracePeriod(d time.Duration) HandlePoolOptionFN {
	return func(p *HandlePool) {
		p.gracePeriod = d
	}
}

// get returns the open handle for targetPath, opening the part file when no
// handle exists yet. The handle comes back marked in use.
func (p *HandlePool) get(targetPath string) (*UploadHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[targetPath]; ok {
		h.inUse = true
		return h, nil
	}

	// REPLACE without truncation: a handle the reaper closed mid-upload
	// reopens against the same part file and the received bytes survive.
	partPath, f, err := p.fs.OpenForWriting(targetPath+PartSuffix, nativefs.WriteOptions{
		ConflictPolicy: nativefs.PolicyReplace,
		Truncate:       false,
	})
	if err != nil {
		return nil, err
	}

	h := &UploadHandle{
		targetPath: targetPath,
		partPath:   partPath,
		file:       f,
		lastUsed:   time.Now(),
		inUse:      true,
	}
	p.handles[targetPath] = h

	return h, nil
}

// release clears the in-use flag and stamps last use.
func (p *HandlePool) release(h *UploadHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h.inUse = false
	h.lastUsed = time.Now()
}

// WriteChunk writes one chunk at the given offset, acquiring and releasing
// the target's handle around the write. Returns the number of bytes written.
func (p *HandlePool) WriteChunk(targetPath string, offset int64, chunk io.Reader) (int64, error) {
	h, err := p.get(targetPath)
	if err != nil {
		return 0, err
	}
	defer p.release(h)

	if _, err := h.file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	return io.Copy(h.file, chunk)
}

// Close finishes an upload: the part file is renamed to its final name
// under the conflict policy and the handle leaves the pool. A handle still
// in use (another chunk mid-write) is left alone; the caller retries after
// that chunk releases it. An upload whose handle the reaper already closed
// (or that predates a restart) still finalizes off the part file on disk.
func (p *HandlePool) Close(targetPath string, policy nativefs.ConflictPolicy) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[targetPath]
	if !ok {
		return p.closeOrphaned(targetPath, policy)
	}
	if h.inUse {
		return "", false, nil
	}

	if err := h.file.Close(); err != nil {
		return "", false, err
	}
	delete(p.handles, targetPath)

	_, finalPath, err := p.fs.Move(h.partPath, h.targetPath, policy)
	if err != nil {
		return "", false, err
	}

	return finalPath, true, nil
}

// closeOrphaned finalizes an upload with no pooled handle. Callers must
// hold p.mu. A missing part file stays a no-op; anything else renames into
// place like the pooled path does.
func (p *HandlePool) closeOrphaned(targetPath string, policy nativefs.ConflictPolicy) (string, bool, error) {
	partPath := targetPath + PartSuffix
	if _, err := p.fs.Stat(partPath); err != nil {
		if fserr.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}

	_, finalPath, err := p.fs.Move(partPath, targetPath, policy)
	if err != nil {
		return "", false, err
	}

	return finalPath, true, nil
}

// Run reaps idle handles until ctx is cancelled, then closes everything
// still open.
func (p *HandlePool) Run(ctx context.Context) {
	for {
		p.reapIdle()
		select {
		case <-ctx.Done():
			p.Shutdown()
			return
		case <-time.After(p.gracePeriod / 2):
		}
	}
}

// reapIdle closes handles idle past the grace period. The part file stays
// on disk, so a late chunk transparently reopens it.
func (p *HandlePool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.gracePeriod)
	for targetPath, h := range p.handles {
		if h.inUse || h.lastUsed.After(cutoff) {
			continue
		}

		if err := h.file.Close(); err != nil {
			log.Errorf("closing idle upload handle %s: %s", h.partPath, err)
		}
		delete(p.handles, targetPath)
	}
}

// Shutdown closes every open handle.
func (p *HandlePool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for targetPath, h := range p.handles {
		if err := h.file.Close(); err != nil {
			log.Errorf("closing upload handle %s: %s", h.partPath, err)
		}
		delete(p.handles, targetPath)
	}
}

// OpenHandles reports the number of handles currently in the pool.
func (p *HandlePool) OpenHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.handles)
}
