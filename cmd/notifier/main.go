package main

import (
	"log"

	"github.com/austindbirch/harbor_notify/cmd/notifier/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
