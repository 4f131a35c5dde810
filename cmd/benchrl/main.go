package main

import (
	"fmt"
	"os"

	"github.com/benchrl/benchrl/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "benchrl:", err)
		os.Exit(1)
	}
}
