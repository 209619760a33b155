package main

import (
	"github.com/backtrace-labs/poireau/pkg/cmd"
)

func main() {
	cmd.Execute()
}
