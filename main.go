package main

import "github.com/lidadreamer/ML-tornado/cmd"

func main() {
	cmd.Execute()
}
