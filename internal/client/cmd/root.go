package cmd

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/tftp-it/internal/client"
	"github.com/rudransh-shrivastava/tftp-it/internal/logger"
	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/transfer"
)

var (
	serverAddr string
	blockSize  int
	windowSize int
	timeout    time.Duration
	retries    int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:  `tftp-it`,
	Long: `tftp-it is a TFTP client with support for the blocksize, timeout, transfer size and windowsize options`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:69", "server address")
	rootCmd.PersistentFlags().IntVarP(&blockSize, "blksize", "b", options.DefaultBlockSize, "block size to request")
	rootCmd.PersistentFlags().IntVarP(&windowSize, "windowsize", "w", options.DefaultWindowSize, "window size to request")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", options.DefaultTimeout, "retransmission timeout to request")
	rootCmd.PersistentFlags().IntVarP(&retries, "retries", "r", transfer.DefaultMaxRetries, "retransmissions before giving up")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every packet exchange")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
}

func newClient() (*client.Client, *logrus.Logger) {
	log := logger.NewLogger()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	cli := client.New(client.Config{
		ServerAddr: serverAddr,
		Params: options.Params{
			BlockSize:  blockSize,
			WindowSize: windowSize,
			Timeout:    timeout,
		},
		MaxRetries: retries,
		Logger:     log,
	})
	return cli, log
}
