package main

import "github.com/teemow/calfold/cmd"

// Set with -ldflags "-X main.version=..." at release time.
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
