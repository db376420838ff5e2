package main

import "threadloom/cmd"

func main() {
	cmd.Execute()
}
