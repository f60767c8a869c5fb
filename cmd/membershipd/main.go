package main

import "github.com/mcastellin/membership/cmd/membershipd/cmd"

func main() {
	cmd.Execute()
}
