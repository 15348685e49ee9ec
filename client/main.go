package main

import (
	"github.com/rudransh-shrivastava/tftp-it/internal/client/cmd"
)

func main() {
	cmd.Execute()
}
