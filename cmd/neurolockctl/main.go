package main

import "github.com/BradenHooton/neurolock/cmd/neurolockctl/cmd"

func main() {
	cmd.Execute()
}
