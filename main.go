package main

import "github.com/lodestardb/lodestar/cmd"

func main() {
	cmd.Execute()
}
