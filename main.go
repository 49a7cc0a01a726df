package main

import "github.com/deploymenttheory/go-orbispkg/cmd"

func main() {
	cmd.Execute()
}
