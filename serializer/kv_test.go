package serializer_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/leftmike/pagecache/serializer"
	"github.com/leftmike/pagecache/testutil"
)

const testBlockSize = 128

func fillBuf(ser serializer.Serializer, b byte) []byte {
	buf := ser.AllocBuf()
	for idx := range buf {
		buf[idx] = b
	}
	return buf
}

func checkBlock(t *testing.T, ser serializer.Serializer, id serializer.BlockID, b byte) {
	t.Helper()

	tok := ser.IndexRead(id)
	if tok == nil {
		t.Errorf("IndexRead(%d) returned nil", id)
		return
	}
	defer tok.Release()

	buf := ser.AllocBuf()
	err := ser.BlockRead(tok, buf)
	if err != nil {
		t.Errorf("BlockRead(%d) failed with %s", id, err)
		return
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{b}, len(buf))) {
		t.Errorf("block %d: got %d want %d", id, buf[0], b)
	}
}

func runSerializerTest(t *testing.T, ser serializer.Serializer) {
	t.Helper()

	if ser.BlockSize() != testBlockSize {
		t.Fatalf("BlockSize() got %d want %d", ser.BlockSize(), testBlockSize)
	}
	if ser.MaxBlockID() != 0 {
		t.Fatalf("MaxBlockID() got %d want 0", ser.MaxBlockID())
	}
	if tok := ser.IndexRead(0); tok != nil {
		t.Fatal("IndexRead(0) of empty store is not nil")
	}
	if rec := ser.Recency(0); rec != serializer.InvalidRecency {
		t.Fatalf("Recency(0) of empty store is %d", rec)
	}

	toks, err := ser.BlockWrites([]serializer.BufWriteInfo{
		{BlockID: 0, Buf: fillBuf(ser, 1)},
		{BlockID: 1, Buf: fillBuf(ser, 2)},
		{BlockID: 2, Buf: fillBuf(ser, 3)},
	})
	if err != nil {
		t.Fatalf("BlockWrites() failed with %s", err)
	}
	if len(toks) != 3 {
		t.Fatalf("BlockWrites() returned %d tokens; want 3", len(toks))
	}

	err = ser.IndexWrite([]serializer.IndexWriteOp{
		{BlockID: 0, Token: toks[0], Recency: 1},
		{BlockID: 1, Token: toks[1], Recency: 2},
		{BlockID: 2, Token: toks[2], Recency: 3},
	})
	if err != nil {
		t.Fatalf("IndexWrite() failed with %s", err)
	}
	for _, tok := range toks {
		tok.Release()
	}

	if ser.MaxBlockID() != 3 {
		t.Errorf("MaxBlockID() got %d want 3", ser.MaxBlockID())
	}
	checkBlock(t, ser, 0, 1)
	checkBlock(t, ser, 1, 2)
	checkBlock(t, ser, 2, 3)
	if rec := ser.Recency(1); rec != 2 {
		t.Errorf("Recency(1) got %d want 2", rec)
	}

	// Overwrite block 1 and delete block 2 in one atomic batch.
	toks, err = ser.BlockWrites([]serializer.BufWriteInfo{
		{BlockID: 1, Buf: fillBuf(ser, 9)},
	})
	if err != nil {
		t.Fatalf("BlockWrites() failed with %s", err)
	}
	err = ser.IndexWrite([]serializer.IndexWriteOp{
		{BlockID: 1, Token: toks[0], Recency: 4},
		{BlockID: 2, Delete: true},
	})
	if err != nil {
		t.Fatalf("IndexWrite() failed with %s", err)
	}
	toks[0].Release()

	checkBlock(t, ser, 0, 1)
	checkBlock(t, ser, 1, 9)
	if tok := ser.IndexRead(2); tok != nil {
		t.Error("IndexRead(2) of deleted block is not nil")
	}
	if rec := ser.Recency(2); rec != serializer.InvalidRecency {
		t.Errorf("Recency(2) of deleted block is %d", rec)
	}
	if ser.MaxBlockID() != 3 {
		t.Errorf("MaxBlockID() got %d want 3", ser.MaxBlockID())
	}
}

func TestMemorySerializer(t *testing.T) {
	ser, err := serializer.NewKV(serializer.MakeMemoryKV(), testBlockSize)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}
	runSerializerTest(t, ser)

	err = ser.Close()
	if err != nil {
		t.Errorf("Close() failed with %s", err)
	}
}

func TestBBoltSerializer(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	kv, err := serializer.MakeBBoltKV(filepath.Join("testdata", "serializer.bbolt"))
	if err != nil {
		t.Fatalf("MakeBBoltKV() failed with %s", err)
	}
	ser, err := serializer.NewKV(kv, testBlockSize)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}
	runSerializerTest(t, ser)

	err = ser.Close()
	if err != nil {
		t.Errorf("Close() failed with %s", err)
	}
}

func TestBadgerSerializer(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	kv, err := serializer.MakeBadgerKV(filepath.Join("testdata", "badger"),
		testutil.SetupLogger(filepath.Join("testdata", "badger.log")))
	if err != nil {
		t.Fatalf("MakeBadgerKV() failed with %s", err)
	}
	ser, err := serializer.NewKV(kv, testBlockSize)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}
	runSerializerTest(t, ser)

	err = ser.Close()
	if err != nil {
		t.Errorf("Close() failed with %s", err)
	}
}

func TestPebbleSerializer(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	kv, err := serializer.MakePebbleKV(filepath.Join("testdata", "pebble"),
		testutil.SetupLogger(filepath.Join("testdata", "pebble.log")))
	if err != nil {
		t.Fatalf("MakePebbleKV() failed with %s", err)
	}
	ser, err := serializer.NewKV(kv, testBlockSize)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}
	runSerializerTest(t, ser)

	err = ser.Close()
	if err != nil {
		t.Errorf("Close() failed with %s", err)
	}
}

func TestReopen(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join("testdata", "reopen.bbolt")

	kv, err := serializer.MakeBBoltKV(path)
	if err != nil {
		t.Fatalf("MakeBBoltKV() failed with %s", err)
	}
	ser, err := serializer.NewKV(kv, testBlockSize)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}

	toks, err := ser.BlockWrites([]serializer.BufWriteInfo{
		{BlockID: 7, Buf: fillBuf(ser, 42)},
	})
	if err != nil {
		t.Fatalf("BlockWrites() failed with %s", err)
	}
	err = ser.IndexWrite([]serializer.IndexWriteOp{
		{BlockID: 7, Token: toks[0], Recency: 17},
	})
	if err != nil {
		t.Fatalf("IndexWrite() failed with %s", err)
	}
	toks[0].Release()
	err = ser.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	kv, err = serializer.MakeBBoltKV(path)
	if err != nil {
		t.Fatalf("MakeBBoltKV() failed with %s", err)
	}
	ser, err = serializer.OpenKV(kv)
	if err != nil {
		t.Fatalf("OpenKV() failed with %s", err)
	}
	if ser.BlockSize() != testBlockSize {
		t.Errorf("BlockSize() got %d want %d", ser.BlockSize(), testBlockSize)
	}
	if ser.MaxBlockID() != 8 {
		t.Errorf("MaxBlockID() got %d want 8", ser.MaxBlockID())
	}
	if rec := ser.Recency(7); rec != 17 {
		t.Errorf("Recency(7) got %d want 17", rec)
	}
	checkBlock(t, ser, 7, 42)
	ser.Close()

	// Reopening with the wrong block size must fail.
	kv, err = serializer.MakeBBoltKV(path)
	if err != nil {
		t.Fatalf("MakeBBoltKV() failed with %s", err)
	}
	_, err = serializer.NewKV(kv, testBlockSize*2)
	if err == nil {
		t.Error("NewKV() with wrong block size did not fail")
	}
	kv.Close()
}

func TestOpenEmpty(t *testing.T) {
	_, err := serializer.OpenKV(serializer.MakeMemoryKV())
	if err == nil {
		t.Error("OpenKV() of an empty store did not fail")
	}
}

func TestAtomicIndexWrite(t *testing.T) {
	kv := serializer.MakeMemoryKV()
	ser, err := serializer.NewKV(kv, testBlockSize)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}

	toks, err := ser.BlockWrites([]serializer.BufWriteInfo{
		{BlockID: 0, Buf: fillBuf(ser, 1)},
		{BlockID: 1, Buf: fillBuf(ser, 2)},
		{BlockID: 2, Buf: fillBuf(ser, 3)},
	})
	if err != nil {
		t.Fatalf("BlockWrites() failed with %s", err)
	}

	var batches [][]serializer.BatchOp
	kv.SetCommitHook(
		func(batch []serializer.BatchOp) {
			cp := make([]serializer.BatchOp, len(batch))
			copy(cp, batch)
			batches = append(batches, cp)
		})

	err = ser.IndexWrite([]serializer.IndexWriteOp{
		{BlockID: 0, Token: toks[0], Recency: 1},
		{BlockID: 1, Token: toks[1], Recency: 1},
		{BlockID: 2, Token: toks[2], Recency: 1},
	})
	if err != nil {
		t.Fatalf("IndexWrite() failed with %s", err)
	}
	kv.SetCommitHook(nil)

	// All three index updates must land in one committed batch.
	if len(batches) != 1 {
		t.Fatalf("IndexWrite() committed %d batches; want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("IndexWrite() batch has %d ops; want 3", len(batches[0]))
	}
}
