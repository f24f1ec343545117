package main

import "github.com/ItsBonfireTime/PRIME-Multigaming-Discord-Bot/cmd"

func main() {
	cmd.Execute()
}
