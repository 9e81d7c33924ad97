package syncengine

import "testing"

func TestCheckpointRoundTrip(t *testing.T) {
	cp := NewCursorCheckpoint("cus_123", "2026-01-01T00:00:00Z")
	cp.RunningTotal = 1500
	cp.ChunkErrors = 2

	decoded := DecodeCheckpoint(EncodeCheckpoint(cp))
	if decoded.Strategy != StrategyCursor {
		t.Fatalf("strategy = %q", decoded.Strategy)
	}
	if decoded.Cursor == nil || decoded.Cursor.Cursor != "cus_123" || decoded.Cursor.UpdatedSince != "2026-01-01T00:00:00Z" {
		t.Fatalf("cursor = %+v", decoded.Cursor)
	}
	if decoded.RunningTotal != 1500 || decoded.ChunkErrors != 2 {
		t.Fatalf("totals = %d/%d", decoded.RunningTotal, decoded.ChunkErrors)
	}
	if !decoded.CanResume {
		t.Fatal("cursor checkpoint should be resumable")
	}
}

func TestDecodeCheckpointLenient(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("not json at all"),
		[]byte(`{"strategy":"cursor"}`),                      // missing variant body
		[]byte(`{"strategy":"teleport","cursor":{}}`),        // unknown strategy
		[]byte(`{"strategy":"chunk","cursor":{"cursor":""}}`), // variant mismatch
	}
	for i, raw := range cases {
		cp := DecodeCheckpoint(raw)
		if cp.Strategy != "" || cp.CanResume {
			t.Fatalf("case %d: expected zero checkpoint, got %+v", i, cp)
		}
	}
}

func TestChunkCheckpointCarriesObjectName(t *testing.T) {
	cp := NewChunkCheckpoint(3, 6, "uploads/customers.csv")
	decoded := DecodeCheckpoint(EncodeCheckpoint(cp))
	if decoded.Chunk == nil {
		t.Fatal("chunk variant missing")
	}
	if decoded.Chunk.ChunkIndex != 3 || decoded.Chunk.TotalChunks != 6 || decoded.Chunk.ObjectName != "uploads/customers.csv" {
		t.Fatalf("chunk = %+v", decoded.Chunk)
	}
}

func TestFanoutCheckpointNotResumable(t *testing.T) {
	cp := NewFanoutCheckpoint([]uint{4, 5, 6})
	decoded := DecodeCheckpoint(EncodeCheckpoint(cp))
	if decoded.Fanout == nil || len(decoded.Fanout.ChildRunIds) != 3 {
		t.Fatalf("fanout = %+v", decoded.Fanout)
	}
	if decoded.CanResume {
		t.Fatal("fanout runs restart from scratch, not from a checkpoint")
	}
}
