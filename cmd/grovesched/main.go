package main

import "github.com/example/grove-scheduler/cmd"

func main() {
	cmd.Execute()
}
