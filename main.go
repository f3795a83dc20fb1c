package main

import "github.com/opsrep/registry-stats/cmd"

func main() {
	cmd.Execute()
}
