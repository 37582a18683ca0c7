package main

import "boltgate/cmd"

func main() {
	cmd.Execute()
}
