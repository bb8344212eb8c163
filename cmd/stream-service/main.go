package main

import (
	"os"

	"github.com/pulsemap/pulsemap/streamservice"
)

func main() {
	if err := streamservice.Run(); err != nil {
		os.Exit(1)
	}
}
