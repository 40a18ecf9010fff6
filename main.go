package main

import "github.com/opencode-nexus/nexus/cmd"

func main() {
	cmd.Execute()
}
