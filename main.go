package main

import "obdagent/cmd"

func main() {
	cmd.Execute()
}
