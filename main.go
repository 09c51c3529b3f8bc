package main

import "github.com/kts-interp/interp/cmd"

func main() {
	cmd.Execute()
}
