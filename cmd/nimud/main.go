package main

import "github.com/flemmerz/NiMu/internal/cli"

func main() {
	cli.Execute()
}
