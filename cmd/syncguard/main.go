package main

import "github.com/syncguard/syncguard/internal/cli"

func main() {
	cli.Execute()
}
