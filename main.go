package main

import "github.com/Manu343726/gdbridge/cmd"

func main() {
	cmd.Execute()
}
