package main

import (
	"os"

	"github.com/jvs-project/runguard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
