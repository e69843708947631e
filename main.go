package main

import "flashback/cmd"

func main() {
	cmd.Execute()
}
