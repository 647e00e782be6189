package main

import "github.com/kalkafox/discordgpt/cmd"

func main() {
	cmd.Execute()
}
