package main

import (
	"os"

	"listsync/cmd/listsync/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, nil))
}
