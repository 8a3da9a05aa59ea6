package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/memory"
)

func sampleParams() *QueryParams {
	return &QueryParams{
		Command:             "select * from t",
		Querytree:           []byte{0x00, 0x01, 0x00},
		Plan:                []byte("plan\x00with\x00zeros\x00"),
		PlanUncompressedLen: 4096,
		Params:              []byte{0, 0, 0, 0},
		SliceInfo:           []byte{0xff, 0x00, 0xfe},
		TxnContext:          []byte("dtx\x00ctx"),
		RootIndex:           2,
		SeqServerHost:       "10.0.0.7",
		SeqServerPort:       7432,
		GangID:              5,
	}
}

func sampleSession() Session {
	return Session{
		CommandCount:       42,
		SessionUserID:      10,
		SessionUserIsSuper: true,
		OuterUserID:        11,
		CurrentUserID:      12,
		StatementStart:     time.UnixMicro(1_700_000_000_123_456),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder(memory.NewBufferPool(nil), 0)
	p := sampleParams()
	msg, err := enc.Encode(p, sampleSession())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer msg.Release()

	data := msg.AppendTo(nil, 3)
	q, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if q.LocalSlice != 3 {
		t.Errorf("local slice = %d, want 3", q.LocalSlice)
	}
	if q.Command != p.Command {
		t.Errorf("command = %q", q.Command)
	}
	for name, pair := range map[string][2][]byte{
		"querytree":  {q.Querytree, p.Querytree},
		"plan":       {q.Plan, p.Plan},
		"params":     {q.Params, p.Params},
		"slice info": {q.SliceInfo, p.SliceInfo},
		"txn":        {q.TxnContext, p.TxnContext},
	} {
		if !bytes.Equal(pair[0], pair[1]) {
			t.Errorf("%s = %x, want %x", name, pair[0], pair[1])
		}
	}
	if q.SeqServerHost != "10.0.0.7" || q.SeqServerPort != 7432 {
		t.Errorf("seq server = %s:%d", q.SeqServerHost, q.SeqServerPort)
	}
	if q.RootIndex != 2 || q.GangID != 5 || q.CommandCount != 42 {
		t.Errorf("header = root %d gang %d count %d", q.RootIndex, q.GangID, q.CommandCount)
	}
	if !q.SessionUserIsSuper || q.OuterUserIsSuper || q.CurrentUserID != 12 {
		t.Errorf("session = %+v", q)
	}
	if !q.StatementStart.Equal(sampleSession().StatementStart) {
		t.Errorf("statement start = %v", q.StatementStart)
	}
}

func TestEncodeEmptySections(t *testing.T) {
	enc := NewEncoder(nil, 0)
	msg, err := enc.Encode(&QueryParams{}, Session{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer msg.Release()

	q, err := Decode(msg.AppendTo(nil, 0))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if q.Command != "" || q.Plan != nil || q.SeqServerHost != "" || !q.StatementStart.IsZero() {
		t.Errorf("unexpected decoded values: %+v", q)
	}
}

func TestTotalLenCountsBytesAfterLengthField(t *testing.T) {
	enc := NewEncoder(nil, 0)
	msg, err := enc.Encode(sampleParams(), sampleSession())
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Release()

	data := msg.AppendTo(nil, 0)
	if got := binary.BigEndian.Uint32(data[1:5]); int(got) != len(data)-5 {
		t.Errorf("total_len = %d, bytes after length = %d", got, len(data)-5)
	}
	if int(msg.TotalLen()) != msg.Len()-5 {
		t.Errorf("TotalLen = %d, Len = %d", msg.TotalLen(), msg.Len())
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	enc := NewEncoder(nil, 0)
	msg, err := enc.Encode(sampleParams(), sampleSession())
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Release()
	data := msg.AppendTo(nil, 0)

	if _, err := Decode(data[:len(data)-1]); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("truncated: err = %v, want ErrLengthMismatch", err)
	}
	if _, err := Decode(append(append([]byte(nil), data...), 0)); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("extended: err = %v, want ErrLengthMismatch", err)
	}

	// A consistent total_len with a lying section length is still rejected.
	bad := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(bad[51:], 1<<20) // plantree length
	if _, err := Decode(bad); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("bad section: err = %v, want ErrInvalidMessage", err)
	}

	bad = append([]byte(nil), data...)
	bad[0] = 'Q'
	if _, err := Decode(bad); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("bad tag: err = %v, want ErrInvalidMessage", err)
	}
}

func TestWriteSliceToPatchesLocalSliceOnly(t *testing.T) {
	enc := NewEncoder(nil, 0)
	msg, err := enc.Encode(sampleParams(), sampleSession())
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Release()

	shared := msg.AppendTo(nil, 0)
	for _, local := range []int{1, 7} {
		var w bytes.Buffer
		n, err := msg.WriteSliceTo(&w, local)
		if err != nil {
			t.Fatalf("WriteSliceTo: %v", err)
		}
		if int(n) != msg.Len() {
			t.Errorf("wrote %d bytes, want %d", n, msg.Len())
		}
		got := w.Bytes()
		if v := binary.BigEndian.Uint32(got[5:9]); int(v) != local {
			t.Errorf("local slice = %d, want %d", v, local)
		}
		if !bytes.Equal(got[:5], shared[:5]) || !bytes.Equal(got[9:], shared[9:]) {
			t.Error("bytes outside the local slice field differ")
		}
	}
	if again := msg.AppendTo(nil, 0); !bytes.Equal(again, shared) {
		t.Error("shared buffer was mutated by WriteSliceTo")
	}
}

func TestMessageRefcount(t *testing.T) {
	pool := memory.NewBufferPool(nil)
	msg, err := NewEncoder(pool, 0).Encode(sampleParams(), sampleSession())
	if err != nil {
		t.Fatal(err)
	}
	msg.Retain()
	msg.Retain()
	if msg.Refs() != 3 {
		t.Fatalf("refs = %d, want 3", msg.Refs())
	}
	msg.Release()
	msg.Release()
	if msg.Len() == 0 {
		t.Fatal("buffer released while a reference remains")
	}
	msg.Release()
	if msg.Len() != 0 {
		t.Error("buffer not released after last reference")
	}

	defer func() {
		if recover() == nil {
			t.Error("over-release should panic")
		}
	}()
	msg.Release()
}

func TestCheckBudget(t *testing.T) {
	enc := NewEncoder(nil, 100)
	if err := enc.CheckBudget(10*1024, 10); err != nil {
		t.Errorf("100KB should fit: %v", err)
	}
	err := enc.CheckBudget(10*1024, 11)
	if !errors.Is(err, dserrors.ErrPlanTooLarge) {
		t.Fatalf("err = %v, want ErrPlanTooLarge", err)
	}
	var tooLarge *dserrors.PlanTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.SizeKB != 110 || tooLarge.MaxKB != 100 {
		t.Errorf("err = %#v", err)
	}

	if err := NewEncoder(nil, 0).CheckBudget(1<<30, 1000); err != nil {
		t.Errorf("zero budget disables the check: %v", err)
	}
}

func TestParamsRoundTrip(t *testing.T) {
	in := []Param{
		{TypeOID: 23, Value: -7},
		{TypeOID: 25, ByRef: true, Bytes: []byte("text\x00value")},
		{TypeOID: 25, ByRef: true, IsNull: true, Bytes: []byte("ignored")},
		{TypeOID: 17, ByRef: true, Bytes: nil},
		{TypeOID: 20, IsNull: true, Value: 99},
		{TypeOID: 17, ByRef: true, Bytes: bytes.Repeat([]byte{0}, 300)},
		{TypeOID: 25, ByRef: true, Bytes: []byte{}},
	}
	data := EncodeParams(in)
	out, err := DecodeParams(data)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d params, want %d", len(out), len(in))
	}
	if out[0].Value != -7 || out[0].IsNull {
		t.Errorf("param 0 = %+v", out[0])
	}
	if !bytes.Equal(out[1].Bytes, in[1].Bytes) {
		t.Errorf("param 1 bytes = %q", out[1].Bytes)
	}
	if !out[2].IsNull || out[2].Bytes != nil {
		t.Errorf("param 2 should be null: %+v", out[2])
	}
	if !out[3].IsNull {
		t.Errorf("nil by-ref param should be null: %+v", out[3])
	}
	if !out[4].IsNull || out[4].Value != 0 {
		t.Errorf("param 4 = %+v", out[4])
	}
	if !bytes.Equal(out[5].Bytes, in[5].Bytes) {
		t.Errorf("param 5 lost bytes: %d", len(out[5].Bytes))
	}
	if out[6].IsNull || out[6].Bytes == nil || len(out[6].Bytes) != 0 {
		t.Errorf("empty string param must stay non-null and empty: %+v", out[6])
	}

	// By-reference datum carries the value length.
	off := 4 + 1*paramEntryLen + 5
	if got := binary.BigEndian.Uint64(data[off:]); got != uint64(len(in[1].Bytes)) {
		t.Errorf("param 1 datum = %d, want %d", got, len(in[1].Bytes))
	}
}

func TestDecodeParamsRejectsGarbage(t *testing.T) {
	if _, err := DecodeParams([]byte{0, 0, 0, 9, 1}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v", err)
	}
	data := EncodeParams([]Param{{TypeOID: 23, Value: 1}})
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint32(data, 1)
	data = append(data, 'x')
	if _, err := DecodeParams(data); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("value for by-value param: err = %v", err)
	}
}

func TestReadFrame(t *testing.T) {
	msg, err := NewEncoder(nil, 0).Encode(sampleParams(), sampleSession())
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Release()

	var stream bytes.Buffer
	if _, err := msg.WriteSliceTo(&stream, 4); err != nil {
		t.Fatal(err)
	}
	stream.Write(AppendFrame(nil, 'C', nil))

	frame, err := ReadFrame(&stream, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if q, err := Decode(frame); err != nil || q.LocalSlice != 4 {
		t.Fatalf("Decode: %v, %+v", err, q)
	}
	frame, err = ReadFrame(&stream, 0)
	if err != nil || frame[0] != 'C' || len(frame) != 5 {
		t.Fatalf("control frame = %v, %v", frame, err)
	}

	if _, err := ReadFrame(bytes.NewReader(AppendFrame(nil, 'M', make([]byte, 64))), 32); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
}
