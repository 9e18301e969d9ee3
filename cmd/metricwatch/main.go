package main

import "metricwatch/internal/cli"

func main() {
	cli.Execute()
}
