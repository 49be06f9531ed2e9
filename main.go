package main

import "github.com/gentlabs/gent/cmd"

func main() {
	cmd.Execute()
}
