package main

import "github.com/Brownie44l1/freshness-api/internal/cli"

func main() {
	cli.Execute()
}
