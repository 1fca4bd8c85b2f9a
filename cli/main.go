package main

import "github.com/iatoba72/MeetingMind-sub002/cli/cmd"

func main() {
	cmd.Execute()
}
