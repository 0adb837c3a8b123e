package main

import "github.com/capacity-sim/capacity-sim/cmd"

func main() {
	cmd.Execute()
}
