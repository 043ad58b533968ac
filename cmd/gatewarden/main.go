package main

import "github.com/gatewarden/gatewarden/internal/cli"

func main() {
	cli.Execute()
}
