package main

import "github.com/umeshrajanna/deepship-llm-worker/services/worker/cli"

func main() {
	cli.Execute()
}
