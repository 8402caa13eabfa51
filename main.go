package main

import "github.com/sosalejandro/progress-tracker/cmd"

func main() {
	cmd.Execute()
}
