package main

import "github.com/orion-agent/aegis/cmd/aegis/cmd"

func main() {
	cmd.Execute()
}
