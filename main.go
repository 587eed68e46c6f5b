package main

import "github.com/tanq16/vodkeeper/cmd"

func main() {
	cmd.Execute()
}
