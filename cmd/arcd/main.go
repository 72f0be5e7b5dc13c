package main

import "github.com/ledgerline/arcd/internal/cli"

func main() {
	cli.Execute()
}
