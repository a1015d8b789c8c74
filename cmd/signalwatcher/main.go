package main

import (
	"candle-signal-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
