package main

import (
	"indicator-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
