// The main package for the vectorroulette executable.
package main

import (
	"github.com/JakeFAU/vectorroulette/cmd"
)

func main() {
	cmd.Execute()
}
