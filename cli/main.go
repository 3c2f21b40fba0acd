package main

import (
	"github.com/mistic96/skyvault/cli/cmd"
)

func main() {
	cmd.Execute()
}
