package main

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/storesync/internal/cli"
)

func main() {
	cli.Execute()
}
