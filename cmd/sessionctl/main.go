package main

import "github.com/visp-platform/session-broker/internal/cli"

func main() {
	cli.Execute()
}
