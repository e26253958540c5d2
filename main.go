package main

import "github.com/benchwatch/benchwatch/cmd"

func main() {
	cmd.Execute()
}
