package main

import "github.com/rerererei/zero-bot-next/cmd"

func main() {
	cmd.Execute()
}
