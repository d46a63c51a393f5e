package main

import "github.com/ehrlich-b/go-qcow2-engine/cmd/qcow2ctl/cmd"

func main() {
	cmd.Execute()
}
