package main

import "github.com/ramiqadoumi/go-task-gateway/services/api-gateway/cli"

func main() {
	cli.Execute()
}
