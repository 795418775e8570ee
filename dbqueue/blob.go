package dbqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/leftmike/pagecache/pagecache"
	"github.com/leftmike/pagecache/serializer"
)

// A blob reference is what gets appended to a queue block: small records
// are stored inline in the reference, large ones are indirected through a
// chain of blob blocks.
//
// inline:   tag (1) | length (4) | bytes
// indirect: tag (1) | length (4) | first block id (8)
//
// Each blob block is next block id (8) followed by payload.
const (
	inlineBlobTag   = 0
	indirectBlobTag = 1

	blobRefOverhead     = 5
	indirectBlobRefSize = 13
	inlineBlobMax       = 256

	blobBlockHeaderSize = 8
)

// blobRefSize returns the encoded size of the reference starting at buf.
func blobRefSize(buf []byte) int {
	switch buf[0] {
	case inlineBlobTag:
		return blobRefOverhead + int(binary.BigEndian.Uint32(buf[1:]))
	case indirectBlobTag:
		return indirectBlobRefSize
	}
	panic(fmt.Sprintf("dbqueue: bad blob reference tag: %d", buf[0]))
}

// writeBlob stores rec and returns its encoded reference. Indirect blob
// blocks are created in txn; they become durable with the push that wrote
// them.
func writeBlob(txn *pagecache.Transaction, blockSize int, rec []byte) []byte {
	if len(rec) <= inlineBlobMax &&
		blobRefOverhead+len(rec) <= blockSize-queueBlockHeaderSize {

		ref := make([]byte, blobRefOverhead+len(rec))
		ref[0] = inlineBlobTag
		binary.BigEndian.PutUint32(ref[1:], uint32(len(rec)))
		copy(ref[blobRefOverhead:], rec)
		return ref
	}

	payload := blockSize - blobBlockHeaderSize
	nblocks := (len(rec) + payload - 1) / payload
	if nblocks == 0 {
		nblocks = 1
	}

	acqs := make([]*pagecache.Acquisition, 0, nblocks)
	for i := 0; i < nblocks; i += 1 {
		acqs = append(acqs, txn.Create())
	}
	for i, acq := range acqs {
		buf := acq.BufWrite()
		next := serializer.NullBlockID
		if i+1 < len(acqs) {
			next = acqs[i+1].BlockID()
		}
		binary.BigEndian.PutUint64(buf, uint64(next))
		n := len(rec) - i*payload
		if n > payload {
			n = payload
		}
		copy(buf[blobBlockHeaderSize:], rec[i*payload:i*payload+n])
	}

	ref := make([]byte, indirectBlobRefSize)
	ref[0] = indirectBlobTag
	binary.BigEndian.PutUint32(ref[1:], uint32(len(rec)))
	binary.BigEndian.PutUint64(ref[blobRefOverhead:], uint64(acqs[0].BlockID()))
	for _, acq := range acqs {
		acq.Release()
	}
	return ref
}

// readBlob materializes the referenced record. For indirect blobs it also
// returns the chain of blob block ids so the caller can free them.
func readBlob(txn *pagecache.Transaction, blockSize int,
	ref []byte) ([]byte, []serializer.BlockID) {

	length := int(binary.BigEndian.Uint32(ref[1:]))
	if ref[0] == inlineBlobTag {
		return ref[blobRefOverhead : blobRefOverhead+length], nil
	}

	payload := blockSize - blobBlockHeaderSize
	data := make([]byte, 0, length)
	var chain []serializer.BlockID

	id := serializer.BlockID(binary.BigEndian.Uint64(ref[blobRefOverhead:]))
	for id != serializer.NullBlockID {
		chain = append(chain, id)
		acq := txn.Acquire(id, pagecache.Read)
		buf := acq.BufRead()
		n := length - len(data)
		if n > payload {
			n = payload
		}
		data = append(data, buf[blobBlockHeaderSize:blobBlockHeaderSize+n]...)
		id = serializer.BlockID(binary.BigEndian.Uint64(buf))
		acq.Release()
	}
	if len(data) != length {
		panic(fmt.Sprintf("dbqueue: blob chain has %d bytes; want %d", len(data), length))
	}
	return data, chain
}

// freeBlobChain deletes the blob blocks of a consumed indirect record.
func freeBlobChain(txn *pagecache.Transaction, chain []serializer.BlockID) {
	for _, id := range chain {
		acq := txn.Acquire(id, pagecache.Write)
		acq.WriteSignal().Wait()
		acq.MarkDeleted()
		acq.Release()
	}
}
