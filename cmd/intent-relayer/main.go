package main

import "intent-relayer/internal/cli"

func main() {
	cli.Execute()
}
