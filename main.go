package main

import "github.com/salieri-dev/nexus/cmd"

func main() {
	cmd.Execute()
}
