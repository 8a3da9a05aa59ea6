package gang

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

func encode(t *testing.T, command string) *wire.Message {
	t.Helper()
	msg, err := wire.NewEncoder(nil, 0).Encode(&wire.QueryParams{Command: command, GangID: 2}, wire.Session{})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(3)
	for _, g := range []*Gang{
		NewMemoryGang(1, TypeWriter, []int{0, 1, 2}, nil),
		NewMemoryGang(2, TypeReader, []int{0, 1, 2}, nil),
		NewMemoryGang(3, TypeReader, []int{0}, nil),
	} {
		if err := r.Add(g); err != nil {
			t.Fatalf("Add(%d): %v", g.ID, err)
		}
	}
	r.SetBusy(3, true)

	w, err := r.AllocateWriterGang(context.Background())
	if err != nil || w.ID != 1 {
		t.Fatalf("writer = %v, %v", w, err)
	}
	if g, ok := r.FindGangByID(2); !ok || g.Type != TypeReader {
		t.Errorf("FindGangByID(2) = %v, %v", g, ok)
	}
	if _, ok := r.FindGangByID(9); ok {
		t.Error("FindGangByID(9) should miss")
	}
	if idle := r.IdleReaderGangs(); len(idle) != 1 || idle[0].ID != 2 {
		t.Errorf("idle = %v", idle)
	}
	if busy := r.BusyReaderGangs(); len(busy) != 1 || busy[0].ID != 3 {
		t.Errorf("busy = %v", busy)
	}
	if r.LargestGangSize() != 3 || r.SegmentCount() != 3 {
		t.Errorf("largest = %d, segments = %d", r.LargestGangSize(), r.SegmentCount())
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRegistryWithoutWriter(t *testing.T) {
	r := NewRegistry(1)
	if _, err := r.AllocateWriterGang(context.Background()); !errors.Is(err, ErrNoWriterGang) {
		t.Errorf("err = %v", err)
	}
}

func TestRegistryRejectsMisplacedWriter(t *testing.T) {
	r := NewRegistry(1)
	if err := r.Add(NewMemoryGang(5, TypeWriter, []int{0}, nil)); !errors.Is(err, ErrWriterGangID) {
		t.Errorf("writer with id 5: err = %v", err)
	}
	if err := r.Add(NewMemoryGang(1, TypeReader, []int{0}, nil)); !errors.Is(err, ErrWriterGangID) {
		t.Errorf("reader with the writer id: err = %v", err)
	}
	if _, err := r.AllocateWriterGang(context.Background()); !errors.Is(err, ErrNoWriterGang) {
		t.Errorf("rejected gangs must not be registered: %v", err)
	}
}

func TestGangConnFor(t *testing.T) {
	g := NewMemoryGang(4, TypeReader, []int{0, 5}, nil)
	if c, ok := g.ConnFor(5); !ok || c.Segment().ContentID != 5 {
		t.Errorf("ConnFor(5) = %v, %v", c, ok)
	}
	if _, ok := g.ConnFor(1); ok {
		t.Error("ConnFor(1) should miss")
	}
	g.SetNoReuse()
	if !g.NoReuse() {
		t.Error("NoReuse not set")
	}
}

func TestMemoryConnPipelinedReplies(t *testing.T) {
	conn := NewMemoryConn(Segment{ContentID: 1}, func(_ context.Context, _ Segment, q *wire.Query) (*Reply, error) {
		return &Reply{Tag: q.Command}, nil
	})
	ctx := context.Background()
	for i, cmd := range []string{"first", "second"} {
		msg := encode(t, cmd)
		if err := conn.Send(ctx, msg, i); err != nil {
			t.Fatal(err)
		}
		msg.Release()
	}
	for _, want := range []string{"first", "second"} {
		reply, err := conn.Recv(ctx)
		if err != nil || reply.Tag != want {
			t.Fatalf("Recv = %v, %v; want %s", reply, err, want)
		}
	}
	if conn.LastQuery().LocalSlice != 1 {
		t.Errorf("last local slice = %d", conn.LastQuery().LocalSlice)
	}
	if conn.Sends() != 2 || conn.Pending() != 0 {
		t.Errorf("sends = %d pending = %d", conn.Sends(), conn.Pending())
	}
}

func TestMemoryConnCancelDrains(t *testing.T) {
	conn := NewMemoryConn(Segment{}, func(ctx context.Context, _ Segment, _ *wire.Query) (*Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	msg := encode(t, "slow")
	defer msg.Release()
	if err := conn.Send(context.Background(), msg, 0); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := conn.Recv(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Recv = %v, want deadline", err)
	}
	if err := conn.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if conn.Pending() != 0 || conn.Cancels() != 1 {
		t.Errorf("pending = %d cancels = %d", conn.Pending(), conn.Cancels())
	}
}

func TestMemoryConnSendHookAndClose(t *testing.T) {
	conn := NewMemoryConn(Segment{}, nil)
	boom := errors.New("reset")
	conn.OnSend(func(Segment, *wire.Query) error { return boom })
	msg := encode(t, "x")
	defer msg.Release()
	if err := conn.Send(context.Background(), msg, 0); !errors.Is(err, boom) {
		t.Errorf("Send = %v", err)
	}
	conn.OnSend(nil)
	_ = conn.Close()
	if err := conn.Send(context.Background(), msg, 0); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send after close = %v", err)
	}
}
