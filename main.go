package main

import "github.com/gigset/stagerec/cmd"

func main() {
	cmd.Execute()
}
