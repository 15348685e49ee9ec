package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get remote-file [local-file]",
	Short: "download a file",
	Long:  `download a file from a TFTP server into the current directory`,
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		remote := args[0]
		local := filepath.Base(remote)
		if len(args) == 2 {
			local = args[1]
		}

		cli, log := newClient()

		f, err := os.Create(local)
		if err != nil {
			log.Fatal(err)
			return
		}
		defer f.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bar := progressbar.DefaultBytes(-1, "downloading "+remote)
		err = cli.Download(ctx, remote, progressSink{dst: f, bar: bar})
		_ = bar.Finish()
		if err != nil {
			_ = os.Remove(local)
			log.Fatal(err)
			return
		}
		log.Infof("Downloaded %s to %s", remote, local)
	},
}
