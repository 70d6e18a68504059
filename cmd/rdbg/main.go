package main

import (
	"fmt"
	"os"

	"github.com/debuda/riscdbg/cmd/rdbg/cmds"
	"github.com/debuda/riscdbg/pkg/logflags"
)

func main() {
	err := cmds.New().Execute()
	logflags.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
