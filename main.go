package main

import "github.com/arcward/discofeed/cmd"

func main() {
	cmd.Execute()
}
