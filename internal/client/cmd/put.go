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

var putCmd = &cobra.Command{
	Use:   "put local-file [remote-file]",
	Short: "upload a file",
	Long:  `upload a local file to a TFTP server`,
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		local := args[0]
		remote := filepath.Base(local)
		if len(args) == 2 {
			remote = args[1]
		}

		cli, log := newClient()

		f, err := os.Open(local)
		if err != nil {
			log.Fatal(err)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			log.Fatal(err)
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bar := progressbar.DefaultBytes(info.Size(), "uploading "+local)
		src := progressSource{src: fileSource{File: f, size: info.Size()}, bar: bar}
		err = cli.Upload(ctx, remote, src)
		_ = bar.Finish()
		if err != nil {
			log.Fatal(err)
			return
		}
		log.Infof("Uploaded %s as %s", local, remote)
	},
}
