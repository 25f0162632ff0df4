package main

import (
	"github.com/akaitux/transparent-vpn/cmd"
)

func main() {
	cmd.Execute()
}
