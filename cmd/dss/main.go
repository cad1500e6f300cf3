package main

import "github.com/digitorus/dss/cli"

func main() {
	cli.Main()
}
