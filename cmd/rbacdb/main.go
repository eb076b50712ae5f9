package main

import "github.com/sentinelsec/rbacdb/cmd/rbacdb/cmd"

func main() {
	cmd.Execute()
}
