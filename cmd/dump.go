package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/pagecache/serializer"
)

var (
	dumpCmd = &cobra.Command{
		Use:   "dump <store>",
		Short: "List the block index of a store",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpRun,
	}
)

func init() {
	pagecacheCmd.AddCommand(dumpCmd)
}

func dumpRun(cmd *cobra.Command, args []string) error {
	kv, err := serializer.MakeBBoltKV(args[0])
	if err != nil {
		return fmt.Errorf("pagecache: %s", err)
	}
	defer kv.Close()

	ser, err := serializer.OpenKV(kv)
	if err != nil {
		return err
	}

	fmt.Printf("%s: block size %d, max block id %d\n", args[0], ser.BlockSize(),
		ser.MaxBlockID())

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Block", "Token", "Recency"})
	ser.ListBlocks(
		func(id serializer.BlockID, token uint64, rec serializer.Recency) bool {
			tw.Append([]string{
				strconv.FormatUint(uint64(id), 10),
				strconv.FormatUint(token, 10),
				strconv.FormatUint(uint64(rec), 10),
			})
			return true
		})
	tw.Render()
	return nil
}
