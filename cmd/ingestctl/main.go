package main

import "github.com/mattdepillis/healthos/internal/cli"

func main() {
	cli.Execute()
}
