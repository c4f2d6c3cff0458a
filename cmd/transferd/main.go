package main

import "github.com/monoblaine/background-downloader/services/transferd/cli"

func main() {
	cli.Execute()
}
