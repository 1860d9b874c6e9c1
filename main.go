package main

import "github.com/douhashi/nagare/cmd"

func main() {
	cmd.Execute()
}
