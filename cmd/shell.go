package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/leftmike/pagecache/pagecache"
	"github.com/leftmike/pagecache/serializer"
)

const (
	shellHistory = ".pagecache_history"
)

var (
	shellCmd = &cobra.Command{
		Use:   "shell <store>",
		Short: "Inspect a store interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  shellRun,
	}
)

func init() {
	pagecacheCmd.AddCommand(shellCmd)
}

func shellRun(cmd *cobra.Command, args []string) error {
	kv, err := serializer.MakeBBoltKV(args[0])
	if err != nil {
		return fmt.Errorf("pagecache: %s", err)
	}
	defer kv.Close()

	ser, err := serializer.OpenKV(kv)
	if err != nil {
		return err
	}
	c := pagecache.New(ser,
		pagecache.Config{
			MemoryLimit:      memoryLimit.Get(),
			PageReplNumTries: pageReplNumTries.Get(),
		})
	defer c.Drain()

	line := liner.NewLiner()
	defer line.Close()

	if f, err := os.Open(shellHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	for {
		s, err := line.Prompt("pagecache: ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			break
		} else if err != nil {
			return err
		}
		line.AppendHistory(s)

		fields := strings.Fields(s)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "blocks":
			ser.ListBlocks(
				func(id serializer.BlockID, token uint64, rec serializer.Recency) bool {
					fmt.Printf("%8d  token %-8d recency %d\n", id, token, rec)
					return true
				})
		case "read":
			if len(fields) != 2 {
				fmt.Println("usage: read <block id>")
				continue
			}
			n, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				fmt.Printf("bad block id: %s\n", fields[1])
				continue
			}
			readBlock(c, serializer.BlockID(n))
		case "quit", "exit":
			if f, err := os.Create(shellHistory); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
			return nil
		default:
			fmt.Println("commands: blocks, read <block id>, quit")
		}
	}
	return nil
}

func readBlock(c *pagecache.Cache, id serializer.BlockID) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Println(r)
		}
	}()

	txn := c.Begin()
	acq := txn.Acquire(id, pagecache.Read)
	buf := acq.BufRead()
	n := len(buf)
	if n > 64 {
		n = 64
	}
	fmt.Printf("block %d: % x\n", id, buf[:n])
	acq.Release()
	txn.Commit()
}
