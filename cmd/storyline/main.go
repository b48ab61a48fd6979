package main

import (
	"os"

	"horse.fit/storyline/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
