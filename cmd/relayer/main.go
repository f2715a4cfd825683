package main

import "github.com/relaycore/relayer/cmd"

func main() {
	cmd.Execute()
}
