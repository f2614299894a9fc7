// Command gram runs the photo sharing API: registration and login,
// image uploads, the public feed and post deletion.
package main

import (
	"log"

	"github.com/patric-chuzhbe/gram/internal/app"
)

func main() {
	theApp, err := app.New()
	if err != nil {
		log.Fatal(err)
	}
	defer theApp.Close()

	if err := theApp.Run(); err != nil {
		log.Println(err)
	}
}
