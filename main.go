package main

import "github.com/pylonhq/pylon/cmd"

func main() {
	cmd.Execute()
}
