package main

import "github.com/agentserver/projectbox/cmd"

func main() {
	cmd.Execute()
}
