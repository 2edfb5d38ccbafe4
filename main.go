package main

import (
	"github.com/basin-global/terroir/cmd"
)

func main() {
	cmd.Execute()
}
