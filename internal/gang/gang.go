// Package gang models groups of segment connections used by one statement.
package gang

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

// Type is the role of a gang.
type Type int

const (
	TypeWriter Type = iota
	TypeReader
)

func (t Type) String() string {
	if t == TypeWriter {
		return "writer"
	}
	return "reader"
}

// Segment identifies one segment database process.
type Segment struct {
	ContentID int
	DBID      int
	Host      string
	Port      int
}

func (s Segment) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Segment) String() string {
	return fmt.Sprintf("seg%d dbid=%d %s", s.ContentID, s.DBID, s.Addr())
}

// Reply is a segment's successful completion of one query message.
type Reply struct {
	Tag  string `json:"tag"` // command tag, e.g. "SELECT" or "SET"
	Rows int64  `json:"rows"`
}

// Conn is one connection to a segment. Sends may be pipelined; replies are
// returned by Recv in send order.
type Conn interface {
	Segment() Segment
	// Send writes msg with localSlice patched into its header.
	Send(ctx context.Context, msg *wire.Message, localSlice int) error
	// Recv waits for the reply to the oldest unanswered Send. A segment
	// failure is returned as *errors.RemoteError.
	Recv(ctx context.Context) (*Reply, error)
	// Cancel asks the segment to abandon in-flight work and drains every
	// pending reply so the connection is left idle.
	Cancel(ctx context.Context) error
}

// Gang is a set of connections sharing one id and role.
type Gang struct {
	ID    int
	Type  Type
	Conns []Conn

	noReuse atomic.Bool
}

func New(id int, typ Type, conns []Conn) *Gang {
	return &Gang{ID: id, Type: typ, Conns: conns}
}

// SetNoReuse marks the gang to be discarded instead of returned to the pool.
func (g *Gang) SetNoReuse() {
	g.noReuse.Store(true)
}

func (g *Gang) NoReuse() bool {
	return g.noReuse.Load()
}

func (g *Gang) Size() int {
	return len(g.Conns)
}

// ConnFor returns the connection to the given content, if the gang has one.
func (g *Gang) ConnFor(contentID int) (Conn, bool) {
	for _, c := range g.Conns {
		if c.Segment().ContentID == contentID {
			return c, true
		}
	}
	return nil, false
}

// Pool supplies gangs to the dispatcher. It is shared state owned elsewhere.
// The writer gang returned by AllocateWriterGang has id slice.WriterGangID,
// and FindGangByID of that id returns it.
type Pool interface {
	AllocateWriterGang(ctx context.Context) (*Gang, error)
	FindGangByID(id int) (*Gang, bool)
	IdleReaderGangs() []*Gang
	BusyReaderGangs() []*Gang
	SegmentCount() int
	LargestGangSize() int
}
