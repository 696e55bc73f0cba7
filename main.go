package main

import "github.com/eunjae-lee/tinyclaw/cmd"

func main() {
	cmd.Execute()
}
