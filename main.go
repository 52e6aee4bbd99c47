package main

import "github.com/uriafranko/clawdbot/cmd"

func main() {
	cmd.Execute()
}
