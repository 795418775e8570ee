package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/pagecache/dbqueue"
)

var (
	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the disk-backed queue",
		RunE:  benchRun,
	}

	benchRecords    = 10000
	benchRecordSize = 128
)

func init() {
	benchCmd.Flags().IntVar(&benchRecords, "records", benchRecords,
		"`number` of records to push and pop")
	benchCmd.Flags().IntVar(&benchRecordSize, "record-size", benchRecordSize,
		"record size in `bytes`")

	pagecacheCmd.AddCommand(benchCmd)
}

func benchRun(cmd *cobra.Command, args []string) error {
	err := os.MkdirAll(dataDir.Get(), 0755)
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir.Get(), "bench.dbq")
	q, err := dbqueue.Open(path, blockSize.Get(), memoryLimit.Get())
	if err != nil {
		return err
	}
	defer q.Close()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	rec := make([]byte, benchRecordSize)
	rnd.Read(rec)

	start := time.Now()
	for i := 0; i < benchRecords; i += 1 {
		q.Push(rec)
	}
	pushed := time.Since(start)

	var bytes int64
	start = time.Now()
	for !q.Empty() {
		q.Pop(
			func(rec []byte) {
				bytes += int64(len(rec))
			})
	}
	popped := time.Since(start)

	log.WithFields(log.Fields{
		"records": benchRecords,
		"push":    pushed,
		"pop":     popped,
	}).Info("bench done")
	fmt.Printf("pushed %d records in %s; popped %d bytes in %s\n", benchRecords, pushed,
		bytes, popped)
	return nil
}
