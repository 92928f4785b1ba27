// Package main is the entry point of the post-scheduler service.
package main

import (
	"os"

	"github.com/bissquit/post-scheduler/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
