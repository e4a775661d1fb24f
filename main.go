package main

import "github.com/andresmejia3/glimpse/cmd"

func main() {
	cmd.Execute()
}
