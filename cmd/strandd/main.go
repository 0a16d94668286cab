package main

import "github.com/strandcloud/strand/cmd/strandd/cmd"

func main() {
	cmd.Execute()
}
