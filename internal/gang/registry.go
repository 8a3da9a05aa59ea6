package gang

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/kartikbazzad/mppdispatch/internal/slice"
)

var (
	ErrNoWriterGang = errors.New("no writer gang registered")
	// ErrWriterGangID is returned by Add when a gang's role and id disagree
	// about the reserved writer id.
	ErrWriterGangID = errors.New("writer gang id mismatch")
)

// Registry is a static Pool over gangs created up front.
type Registry struct {
	mu       sync.RWMutex
	gangs    map[int]*Gang
	busy     map[int]bool
	segments int
}

func NewRegistry(segmentCount int) *Registry {
	return &Registry{
		gangs:    make(map[int]*Gang),
		busy:     make(map[int]bool),
		segments: segmentCount,
	}
}

// Add registers g. The writer gang must carry slice.WriterGangID and no
// reader gang may use that id.
func (r *Registry) Add(g *Gang) error {
	if (g.Type == TypeWriter) != (g.ID == slice.WriterGangID) {
		return fmt.Errorf("%w: %s gang %d, writer id is %d", ErrWriterGangID, g.Type, g.ID, slice.WriterGangID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gangs[g.ID] = g
	return nil
}

// SetBusy marks a reader gang as in use by a running cursor or portal.
func (r *Registry) SetBusy(id int, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if busy {
		r.busy[id] = true
	} else {
		delete(r.busy, id)
	}
}

func (r *Registry) AllocateWriterGang(ctx context.Context) (*Gang, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.gangs[slice.WriterGangID]; ok {
		return g, nil
	}
	return nil, ErrNoWriterGang
}

func (r *Registry) FindGangByID(id int) (*Gang, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gangs[id]
	return g, ok
}

func (r *Registry) IdleReaderGangs() []*Gang {
	return r.readers(false)
}

func (r *Registry) BusyReaderGangs() []*Gang {
	return r.readers(true)
}

func (r *Registry) readers(busy bool) []*Gang {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Gang
	for id, g := range r.gangs {
		if g.Type == TypeReader && r.busy[id] == busy {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) SegmentCount() int {
	return r.segments
}

func (r *Registry) LargestGangSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	largest := 0
	for _, g := range r.gangs {
		if g.Size() > largest {
			largest = g.Size()
		}
	}
	return largest
}

// Close closes every connection that implements io.Closer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, g := range r.gangs {
		for _, c := range g.Conns {
			if closer, ok := c.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
