package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/pagecache/config"
	"github.com/leftmike/pagecache/serializer"
)

var (
	pagecacheCmd = &cobra.Command{
		Use:               "pagecache",
		Short:             "Transactional page cache tools",
		Long:              "Tools for inspecting and exercising page cache block stores.",
		PersistentPreRunE: pagecachePreRun,
		PersistentPostRun: pagecachePostRun,
	}

	logFile   = "pagecache.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "pagecache.hcl"
	noConfig   = false

	memoryLimit      = config.IntValue(4096)
	pageReplNumTries = config.IntValue(10)
	blockSize        = config.IntValue(serializer.DefaultBlockSize)
	dataDir          = config.StringValue("testdata")

	flagMemoryLimit      = memoryLimit.Get()
	flagPageReplNumTries = pageReplNumTries.Get()
	flagBlockSize        = blockSize.Get()
	flagDataDir          = dataDir.Get()

	// Flag names and the config parameters they set; an explicit flag
	// always wins over the config file.
	cfgFlags = map[string]string{
		"memory-limit":        "memory-limit",
		"page-repl-num-tries": "page-repl-num-tries",
		"block-size":          "block-size",
		"data":                "data-dir",
	}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	config.Register("memory-limit", &memoryLimit)
	config.Register("page-repl-num-tries", &pageReplNumTries)
	config.Register("block-size", &blockSize)
	config.Register("data-dir", &dataDir)

	fs := pagecacheCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	fs.IntVar(&flagMemoryLimit, "memory-limit", flagMemoryLimit,
		"eviction threshold in `blocks`")
	fs.IntVar(&flagPageReplNumTries, "page-repl-num-tries", flagPageReplNumTries,
		"eviction sample size")
	fs.IntVar(&flagBlockSize, "block-size", flagBlockSize, "block size in `bytes`")
	fs.StringVar(&flagDataDir, "data", flagDataDir, "`directory` containing block stores")
}

func Execute() error {
	return pagecacheCmd.Execute()
}

func pagecachePreRun(cmd *cobra.Command, args []string) error {
	var flagErr error
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			if param, ok := cfgFlags[flg.Name]; ok {
				err := config.Set(param, flg.Value.String())
				if err != nil && flagErr == nil {
					flagErr = err
				}
			}
		})
	if flagErr != nil {
		return fmt.Errorf("pagecache: %s", flagErr)
	}

	if configFile != "" && !noConfig {
		err := config.Load(configFile)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pagecache: %s", err)
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("pagecache: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("pagecache: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("pagecache starting")
	return nil
}

func pagecachePostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("pagecache done")

	if logWriter != nil {
		logWriter.Close()
	}
}
