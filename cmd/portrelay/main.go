package main

import "github.com/portrelay/portrelay/cmd"

func main() {
	cmd.Execute()
}
