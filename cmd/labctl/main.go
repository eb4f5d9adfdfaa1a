package main

import "github.com/shawnpdoherty/beaker/cmd/labctl/internal/command"

func main() {
	command.Execute()
}
