package main

import "jobrunner/internal/cli"

func main() {
	cli.Execute()
}
