package main

import (
	"os"
	sys "os"
)

func helper() {
	os.Exit(2)
}

func main() {
	defer helper()

	stop := func() {
		os.Exit(3)
	}
	_ = stop

	sys.Exit(4) // want "avoid using os.Exit in main.main"
	os.Exit(1)  // want "avoid using os.Exit in main.main"
}
