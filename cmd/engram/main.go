package main

import "os"

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
