package main

import "github.com/gatewarden/gatewarden/cmd/gatewarden/cmd"

func main() {
	cmd.Execute()
}
