package main

import (
	"github.com/alptrack/alptrack/cmd"
)

func main() {
	cmd.Execute()
}
