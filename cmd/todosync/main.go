package main

import "github.com/ConfabulousDev/todo-sync/internal/cli"

// Set at build time via -ldflags "-X main.version=..."
var version string

func main() {
	cli.Execute(version)
}
